package policy

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/beamline/queuegate/pkg/scopes"
)

var (
	roleNamePattern  = regexp.MustCompile(`^[a-zA-Z_][0-9a-zA-Z_]*$`)
	scopeNamePattern = regexp.MustCompile(`^[0-9a-zA-Z:_]+$`)
	userNamePattern  = regexp.MustCompile(`^[0-9a-zA-Z_]+$`)
	mailPattern      = regexp.MustCompile(`^.+@.+$`)
)

// ScopeList is a list of scope names. In YAML it may be written as a single
// string or as a sequence; names are case-folded to lowercase on ingestion so
// config authors' casing never matters.
type ScopeList []string

// UnmarshalYAML accepts a scalar, a sequence, or null.
func (l *ScopeList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = ScopeList{strings.ToLower(value.Value)}
		return nil
	case yaml.SequenceNode:
		out := make(ScopeList, 0, len(value.Content))
		for _, item := range value.Content {
			out = append(out, strings.ToLower(item.Value))
		}
		*l = out
		return nil
	}
	return configErrorf("scope list must be a string or a list of strings (line %d)", value.Line)
}

func (l ScopeList) validate() error {
	for _, s := range l {
		if !scopeNamePattern.MatchString(s) {
			return configErrorf("invalid scope name %q", s)
		}
	}
	return nil
}

// RoleEdit modifies the scope set of one role. The three operations always
// apply in the fixed order set, add, remove, regardless of their order in
// the configuration. A nil *RoleEdit (role mapped to null in YAML) strips
// the role of all scopes.
type RoleEdit struct {
	SetScopes    *ScopeList `yaml:"scopes_set"`
	AddScopes    *ScopeList `yaml:"scopes_add"`
	RemoveScopes *ScopeList `yaml:"scopes_remove"`
}

func (e *RoleEdit) validate() error {
	if e == nil {
		return nil
	}
	for _, l := range []*ScopeList{e.SetScopes, e.AddScopes, e.RemoveScopes} {
		if l == nil {
			continue
		}
		if err := l.validate(); err != nil {
			return err
		}
	}
	return nil
}

// apply mutates target in place.
func (e *RoleEdit) apply(target scopes.Set) {
	if e == nil {
		// Role disabled: no scopes.
		for s := range target {
			delete(target, s)
		}
		return
	}
	if e.SetScopes != nil {
		for s := range target {
			delete(target, s)
		}
		target.Add(*e.SetScopes...)
	}
	if e.AddScopes != nil {
		target.Add(*e.AddScopes...)
	}
	if e.RemoveScopes != nil {
		target.Remove(*e.RemoveScopes...)
	}
}

// buildRoles applies the configured edits to a fresh copy of the default
// role-to-scope mapping. Edits may define new custom roles; those start from
// an empty scope set.
func buildRoles(edits map[string]*RoleEdit) (map[string]scopes.Set, error) {
	roles := scopes.DefaultRoles()
	for name, edit := range edits {
		name = strings.ToLower(name)
		if !roleNamePattern.MatchString(name) {
			return nil, configErrorf("invalid role name %q", name)
		}
		if err := edit.validate(); err != nil {
			return nil, err
		}
		target, ok := roles[name]
		if !ok {
			target = scopes.NewSet()
			roles[name] = target
		}
		edit.apply(target)
	}
	return roles, nil
}
