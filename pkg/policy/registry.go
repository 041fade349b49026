package policy

import (
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Selection names a policy implementation and carries its constructor
// arguments, as declared in the configuration file:
//
//	api_access:
//	  policy: dictionary
//	  args:
//	    roles:
//	      user:
//	        scopes_remove: write:queue:edit
//	    users:
//	      alice:
//	        roles: [admin, expert]
//	        mail: alice@example.com
type Selection struct {
	Policy string    `yaml:"policy"`
	Args   yaml.Node `yaml:"args"`
}

// Access policy names accepted in configuration.
const (
	AccessBasic      = "basic"
	AccessDictionary = "dictionary"
	AccessRemote     = "remote"

	ResourceDefault   = "default"
	ResourceRoleGroup = "role_group"
)

type basicArgs struct {
	Roles map[string]*RoleEdit `yaml:"roles"`
}

type dictionaryArgs struct {
	Roles map[string]*RoleEdit `yaml:"roles"`
	Users map[string]*UserSpec `yaml:"users"`
}

type remoteArgs struct {
	Roles            map[string]*RoleEdit `yaml:"roles"`
	URL              string               `yaml:"url"`
	UpdatePeriod     time.Duration        `yaml:"update_period"`
	ExpirationPeriod time.Duration        `yaml:"expiration_period"`
	HTTPTimeout      time.Duration        `yaml:"http_timeout"`
}

type resourceArgs struct {
	DefaultGroup string `yaml:"default_group"`
}

func decodeArgs(sel Selection, out interface{}) error {
	if sel.Args.IsZero() {
		return nil
	}
	if err := sel.Args.Decode(out); err != nil {
		if ce, ok := err.(*ConfigError); ok {
			return ce
		}
		return configErrorf("invalid args for policy %q: %v", sel.Policy, err)
	}
	return nil
}

// BuildAccessPolicy constructs the access policy named by sel. Unknown names
// are a configuration error, not a runtime failure.
func BuildAccessPolicy(sel Selection, log *logrus.Logger) (AccessPolicy, error) {
	switch sel.Policy {
	case "", AccessBasic:
		var args basicArgs
		if err := decodeArgs(sel, &args); err != nil {
			return nil, err
		}
		return NewBasicPolicy(args.Roles)
	case AccessDictionary:
		var args dictionaryArgs
		if err := decodeArgs(sel, &args); err != nil {
			return nil, err
		}
		return NewDictionaryPolicy(args.Roles, args.Users)
	case AccessRemote:
		var args remoteArgs
		if err := decodeArgs(sel, &args); err != nil {
			return nil, err
		}
		return NewRemotePolicy(args.Roles, RemoteConfig{
			URL:              args.URL,
			UpdatePeriod:     args.UpdatePeriod,
			ExpirationPeriod: args.ExpirationPeriod,
			HTTPTimeout:      args.HTTPTimeout,
		}, log)
	}
	return nil, configErrorf("unknown api access policy %q", sel.Policy)
}

// BuildResourcePolicy constructs the resource access policy named by sel.
// The role_group variant resolves groups through the already-built access
// policy.
func BuildResourcePolicy(sel Selection, access AccessPolicy) (ResourceAccessPolicy, error) {
	var args resourceArgs
	if err := decodeArgs(sel, &args); err != nil {
		return nil, err
	}
	switch sel.Policy {
	case "", ResourceDefault:
		return NewDefaultResourcePolicy(args.DefaultGroup), nil
	case ResourceRoleGroup:
		return NewRoleResourcePolicy(access, args.DefaultGroup), nil
	}
	return nil, configErrorf("unknown resource access policy %q", sel.Policy)
}
