// Package authz decides which roles may read and override token balances.
package authz

import (
	"errors"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"

	"github.com/pario-ai/tokengate/pkg/config"
)

type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeShadow   Mode = "shadow"
	ModeDisabled Mode = "disabled"
)

// Objects and actions understood by the gate.
const (
	ObjectTokens = "tokens"
	ActionRead   = "read"
	ActionWrite  = "write"
)

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

var defaultPolicy = [][]string{
	{"role:admin", ObjectTokens, ActionRead},
	{"role:admin", ObjectTokens, ActionWrite},
}

func ModeFromConfig(cfg config.AuthzConfig) (Mode, error) {
	raw := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if raw == "" {
		return ModeEnforce, nil
	}
	switch Mode(raw) {
	case ModeEnforce, ModeShadow:
		return Mode(raw), nil
	case ModeDisabled:
		if !cfg.UnsafeAllowDisabled {
			return "", errors.New("authz: mode disabled requires unsafe_allow_disabled")
		}
		return ModeDisabled, nil
	default:
		return "", errors.New("authz: invalid mode (expected enforce|shadow|disabled)")
	}
}

type Authorizer struct {
	enforcer *casbin.Enforcer
	mode     Mode
}

// NewAuthorizer builds an authorizer from the embedded model. When
// policyPath is empty the built-in admin policy is used; otherwise the
// CSV file replaces it.
func NewAuthorizer(policyPath string, mode Mode) (*Authorizer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("authz: load model: %w", err)
	}

	if policyPath != "" {
		enforcer, err := casbin.NewEnforcer(m, fileadapter.NewAdapter(policyPath))
		if err != nil {
			return nil, fmt.Errorf("authz: load policy %s: %w", policyPath, err)
		}
		return &Authorizer{enforcer: enforcer, mode: mode}, nil
	}

	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz: new enforcer: %w", err)
	}
	for _, rule := range defaultPolicy {
		if _, err := enforcer.AddPolicy(rule[0], rule[1], rule[2]); err != nil {
			return nil, fmt.Errorf("authz: add default policy: %w", err)
		}
	}
	return &Authorizer{enforcer: enforcer, mode: mode}, nil
}

// New builds an authorizer from the authz config section.
func New(cfg config.AuthzConfig) (*Authorizer, error) {
	mode, err := ModeFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewAuthorizer(cfg.PolicyPath, mode)
}

func (a *Authorizer) Mode() Mode { return a.mode }

func SubjectFromRole(role string) string {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		role = "anonymous"
	}
	return "role:" + role
}

// Authorize reports whether subject may perform action on object. enforced
// is false when the decision must not block the request (shadow and
// disabled modes).
func (a *Authorizer) Authorize(subject, object, action string) (allowed bool, enforced bool, err error) {
	switch a.mode {
	case ModeDisabled:
		return true, false, nil
	case ModeShadow:
		ok, err := a.enforcer.Enforce(subject, object, action)
		if err != nil {
			return false, false, err
		}
		return ok, false, nil
	case ModeEnforce:
		ok, err := a.enforcer.Enforce(subject, object, action)
		if err != nil {
			return false, true, err
		}
		return ok, true, nil
	default:
		return false, false, errors.New("authz: unknown mode")
	}
}
