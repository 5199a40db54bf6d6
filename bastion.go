// Package bastion provides a policy-enforcing query gateway for SQL-backed
// data models. A gateway wraps a database driver together with a compiled
// model schema and a per-call identity context: read queries are rewritten
// to exclude rows the identity may not see, and mutations are checked
// against declarative allow/deny rules before they reach the database.
package bastion

import "strings"

// An Op represents a gateway operation. Ops form a bitset so a single rule
// can cover several operations at once.
type Op uint

// Gateway operations.
const (
	OpCreate Op = 1 << iota
	OpRead
	OpUpdate
	OpDelete

	// OpAll covers every operation.
	OpAll = OpCreate | OpRead | OpUpdate | OpDelete
)

var opNames = [...]struct {
	op   Op
	name string
}{
	{OpCreate, "create"},
	{OpRead, "read"},
	{OpUpdate, "update"},
	{OpDelete, "delete"},
}

// Is reports whether op intersects the given operation set.
func (op Op) Is(other Op) bool { return op&other != 0 }

// String returns the textual form of the operation set, e.g. "create|update".
func (op Op) String() string {
	if op == 0 {
		return "Op(0)"
	}
	var parts []string
	for _, n := range opNames {
		if op.Is(n.op) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseOp returns the operation named by s. The second return value
// reports whether s named a known operation; "all" maps to OpAll.
func ParseOp(s string) (Op, bool) {
	if s == "all" {
		return OpAll, true
	}
	for _, n := range opNames {
		if n.name == s {
			return n.op, true
		}
	}
	return 0, false
}

// Effect is the outcome a rule contributes when its condition matches.
type Effect int

// Rule effects. Deny takes precedence over Allow: a matching deny rule
// forbids the operation regardless of any matching allow rules, and the
// default effect is deny when no allow rule matches.
const (
	Allow Effect = iota
	Deny
)

// String returns "allow" or "deny".
func (e Effect) String() string {
	if e == Deny {
		return "deny"
	}
	return "allow"
}

// Row is the generic record shape flowing through the gateway: a mapping
// from column name to value. Rows returned from queries are freshly
// allocated and owned by the caller.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Columns returns the row's column names in unspecified order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	return cols
}
