package policy

import (
	"fmt"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/expr"
	"github.com/syssam/bastion/identity"
	"github.com/syssam/bastion/schema"
)

// AllowAlways returns a rule that unconditionally permits the operations.
func AllowAlways(ops bastion.Op) schema.Rule {
	return schema.Rule{Name: "allow-always", Effect: bastion.Allow, Ops: ops}
}

// DenyAlways returns a rule that unconditionally rejects the operations.
func DenyAlways(ops bastion.Op) schema.Rule {
	return schema.Rule{Name: "deny-always", Effect: bastion.Deny, Ops: ops}
}

// AllowIfAuthenticated returns a rule permitting the operations to any
// authenticated identity.
func AllowIfAuthenticated(ops bastion.Op) schema.Rule {
	return schema.Rule{
		Name:   "allow-authenticated",
		Effect: bastion.Allow,
		Ops:    ops,
		Cond:   expr.AuthPresent(),
	}
}

// AllowIfRole returns a rule permitting the operations to identities
// holding the role.
func AllowIfRole(role string, ops bastion.Op) schema.Rule {
	return schema.Rule{
		Name:   fmt.Sprintf("allow-role-%s", role),
		Effect: bastion.Allow,
		Ops:    ops,
		Cond:   expr.HasRole(role),
	}
}

// AllowIfOwner returns a rule permitting the operations on rows whose
// owner field equals the caller's subject.
func AllowIfOwner(ownerField string, ops bastion.Op) schema.Rule {
	return schema.Rule{
		Name:   "allow-owner",
		Effect: bastion.Allow,
		Ops:    ops,
		Cond:   expr.EQ(expr.F(ownerField), expr.Auth(identity.ClaimSubject)),
	}
}

// TenantIsolation returns a deny rule rejecting every operation on rows
// outside the caller's tenant. Anonymous callers and callers without a
// tenant claim match the deny and are rejected.
func TenantIsolation(tenantField string) schema.Rule {
	return schema.Rule{
		Name:   "tenant-isolation",
		Effect: bastion.Deny,
		Ops:    bastion.OpAll,
		Cond:   expr.Not(expr.EQ(expr.F(tenantField), expr.Auth(identity.ClaimTenant))),
	}
}
