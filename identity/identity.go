// Package identity carries the authenticated caller's claims through the
// gateway. An Identity is constructed fresh per request by the surrounding
// application (session middleware, JWT verification, etc.) and is immutable
// for the duration of the call. A nil Identity means anonymous.
package identity

import (
	"context"
	"slices"
)

// Claim names with dedicated struct fields. They are resolvable through
// Claim like any custom claim.
const (
	ClaimSubject = "sub"
	ClaimRoles   = "roles"
	ClaimTenant  = "tenant"
)

// Identity is an opaque record of claims about the calling user.
type Identity struct {
	// Subject is the unique user identifier.
	Subject string

	// Roles are the caller's role slugs.
	Roles []string

	// Tenant is the tenant/organization identifier for multi-tenancy.
	// Empty if not applicable.
	Tenant string

	// Claims holds any additional claims by name.
	Claims map[string]any
}

// New returns an Identity for the given subject.
func New(subject string) *Identity {
	return &Identity{Subject: subject}
}

// WithRoles returns a copy of the identity with the given roles.
func (id *Identity) WithRoles(roles ...string) *Identity {
	c := id.clone()
	c.Roles = slices.Clone(roles)
	return c
}

// WithTenant returns a copy of the identity with the given tenant.
func (id *Identity) WithTenant(tenant string) *Identity {
	c := id.clone()
	c.Tenant = tenant
	return c
}

// WithClaim returns a copy of the identity with the named claim set.
func (id *Identity) WithClaim(name string, value any) *Identity {
	c := id.clone()
	if c.Claims == nil {
		c.Claims = make(map[string]any)
	}
	c.Claims[name] = value
	return c
}

func (id *Identity) clone() *Identity {
	if id == nil {
		return &Identity{}
	}
	c := &Identity{Subject: id.Subject, Tenant: id.Tenant, Roles: slices.Clone(id.Roles)}
	if id.Claims != nil {
		c.Claims = make(map[string]any, len(id.Claims))
		for k, v := range id.Claims {
			c.Claims[k] = v
		}
	}
	return c
}

// IsAnonymous reports whether the identity carries no subject. A nil
// receiver is anonymous.
func (id *Identity) IsAnonymous() bool {
	return id == nil || id.Subject == ""
}

// Claim returns the named claim. The built-in claims "sub", "roles" and
// "tenant" resolve to the corresponding struct fields; everything else is
// looked up in Claims. The second return value reports presence.
func (id *Identity) Claim(name string) (any, bool) {
	if id == nil {
		return nil, false
	}
	switch name {
	case ClaimSubject:
		if id.Subject == "" {
			return nil, false
		}
		return id.Subject, true
	case ClaimRoles:
		if len(id.Roles) == 0 {
			return nil, false
		}
		return id.Roles, true
	case ClaimTenant:
		if id.Tenant == "" {
			return nil, false
		}
		return id.Tenant, true
	}
	v, ok := id.Claims[name]
	return v, ok
}

// HasRole reports whether the identity carries the given role.
func (id *Identity) HasRole(role string) bool {
	return id != nil && slices.Contains(id.Roles, role)
}

// identityCtxKey is the context key for storing the identity.
type identityCtxKey struct{}

// WithIdentity returns a new context with the identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// FromContext retrieves the identity from the context.
// Returns nil (anonymous) if no identity is present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityCtxKey{}).(*Identity)
	return id
}
