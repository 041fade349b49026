package policy

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// UserSpec describes one user in dictionary policy configuration. A nil
// *UserSpec (user mapped to null in YAML) defines a known user with no
// roles, and therefore no API access.
type UserSpec struct {
	Roles         RoleList `yaml:"roles"`
	DisplayedName string   `yaml:"displayed_name"`
	Mail          string   `yaml:"mail"`
}

// RoleList is a list of role names; in YAML a single role may be written as
// a plain string. Role names are case-folded to lowercase.
type RoleList []string

// UnmarshalYAML accepts a scalar, a sequence, or null.
func (l *RoleList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = RoleList{strings.ToLower(value.Value)}
		return nil
	case yaml.SequenceNode:
		out := make(RoleList, 0, len(value.Content))
		for _, item := range value.Content {
			out = append(out, strings.ToLower(item.Value))
		}
		*l = out
		return nil
	}
	return configErrorf("role list must be a string or a list of strings (line %d)", value.Line)
}

// DictionaryPolicy extends BasicPolicy with a static username table supplied
// in configuration. Intended for small deployments and tests; production
// deployments are expected to use the remote policy.
type DictionaryPolicy struct {
	*BasicPolicy
}

// NewDictionaryPolicy validates the user table and merges it over the
// reserved pseudo-users.
func NewDictionaryPolicy(roleEdits map[string]*RoleEdit, users map[string]*UserSpec) (*DictionaryPolicy, error) {
	base, err := NewBasicPolicy(roleEdits)
	if err != nil {
		return nil, err
	}
	table := make(map[string]UserInfo, len(users))
	for username, spec := range users {
		if !userNamePattern.MatchString(username) {
			return nil, configErrorf("invalid username %q", username)
		}
		info := UserInfo{}
		if spec != nil {
			if spec.Mail != "" && !mailPattern.MatchString(spec.Mail) {
				return nil, configErrorf("invalid mail %q for user %q", spec.Mail, username)
			}
			for _, role := range spec.Roles {
				if !roleNamePattern.MatchString(role) {
					return nil, configErrorf("invalid role name %q for user %q", role, username)
				}
			}
			info.Roles = append(info.Roles, spec.Roles...)
			info.DisplayedName = spec.DisplayedName
			info.Mail = spec.Mail
		}
		table[username] = info
	}
	base.mergeUsers(table)
	return &DictionaryPolicy{BasicPolicy: base}, nil
}
