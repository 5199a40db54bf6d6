// Package rbac expands identity roles from a casbin model before policy
// evaluation. It is optional: identities may carry their roles directly,
// e.g. from a token, and the gateway works without a RoleSource.
package rbac

import (
	"context"
	"strings"

	"github.com/casbin/casbin/v2"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"

	"github.com/syssam/bastion/identity"
)

// RoleSource resolves the roles held by an identity.
type RoleSource interface {
	Roles(ctx context.Context, id *identity.Identity) ([]string, error)
}

// RoleSourceFunc is an adapter which allows the use of ordinary functions
// as role sources.
type RoleSourceFunc func(ctx context.Context, id *identity.Identity) ([]string, error)

// Roles returns f(ctx, id).
func (f RoleSourceFunc) Roles(ctx context.Context, id *identity.Identity) ([]string, error) {
	return f(ctx, id)
}

// Static is a fixed subject-to-roles mapping, mainly for tests and small
// deployments.
type Static map[string][]string

// Roles returns the roles mapped to the identity's subject.
func (s Static) Roles(_ context.Context, id *identity.Identity) ([]string, error) {
	if id.IsAnonymous() {
		return nil, nil
	}
	return s[id.Subject], nil
}

// DefaultModel is a casbin model with tenant-scoped role grouping:
// grouping lines read "g, user:<subject>, role:<slug>, <tenant>".
const DefaultModel = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub, r.dom) && r.obj == p.obj && r.act == p.act
`

// Enforcer is a casbin-backed RoleSource. Role assignments use role:<slug>
// subjects; tenants map to casbin domains, so an identity's roles are
// scoped to its tenant claim.
type Enforcer struct {
	e *casbin.Enforcer
}

// New wraps an existing enforcer.
func New(e *casbin.Enforcer) *Enforcer { return &Enforcer{e: e} }

// NewFromFiles builds an enforcer from a casbin model file and a CSV
// policy file.
func NewFromFiles(modelPath, policyPath string) (*Enforcer, error) {
	e, err := casbin.NewEnforcer(modelPath)
	if err != nil {
		return nil, err
	}
	e.SetAdapter(fileadapter.NewAdapter(policyPath))
	if err := e.LoadPolicy(); err != nil {
		return nil, err
	}
	return &Enforcer{e: e}, nil
}

// Subject returns the casbin subject for an identity.
func Subject(id *identity.Identity) string {
	if id.IsAnonymous() {
		return "user:anonymous"
	}
	return "user:" + strings.ToLower(strings.TrimSpace(id.Subject))
}

// RoleSubject returns the casbin subject for a role slug.
func RoleSubject(slug string) string {
	return "role:" + strings.ToLower(strings.TrimSpace(slug))
}

// Domain returns the casbin domain for an identity's tenant.
func Domain(id *identity.Identity) string {
	return strings.ToLower(strings.TrimSpace(id.Tenant))
}

// Roles resolves the identity's roles, including ones inherited through
// role hierarchies, scoped to the identity's tenant domain.
func (s *Enforcer) Roles(_ context.Context, id *identity.Identity) ([]string, error) {
	if id.IsAnonymous() {
		return nil, nil
	}
	var (
		groups []string
		err    error
	)
	if dom := Domain(id); dom != "" {
		groups, err = s.e.GetImplicitRolesForUser(Subject(id), dom)
	} else {
		groups, err = s.e.GetImplicitRolesForUser(Subject(id))
	}
	if err != nil {
		return nil, err
	}
	roles := make([]string, 0, len(groups))
	for _, g := range groups {
		if slug, ok := strings.CutPrefix(g, "role:"); ok {
			roles = append(roles, slug)
		}
	}
	return roles, nil
}

// Expand returns a copy of the identity carrying the union of its own
// roles and the ones the source resolves. A nil source or anonymous
// identity passes through unchanged.
func Expand(ctx context.Context, src RoleSource, id *identity.Identity) (*identity.Identity, error) {
	if src == nil || id.IsAnonymous() {
		return id, nil
	}
	resolved, err := src.Roles(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return id, nil
	}
	seen := make(map[string]struct{}, len(id.Roles)+len(resolved))
	merged := make([]string, 0, len(id.Roles)+len(resolved))
	for _, r := range append(append([]string{}, id.Roles...), resolved...) {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		merged = append(merged, r)
	}
	return id.WithRoles(merged...), nil
}
