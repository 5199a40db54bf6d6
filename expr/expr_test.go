package expr_test

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/syssam/bastion/expr"
)

func TestPString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		P expr.P
		S string
	}{
		{
			P: expr.And(
				expr.FieldEQ("name", "a8m"),
				expr.FieldIn("org", "fb", "ent"),
			),
			S: `name == "a8m" && org in ["fb","ent"]`,
		},
		{
			P: expr.Or(
				expr.Not(expr.FieldEQ("name", "mashraki")),
				expr.FieldIn("org", "fb", "ent"),
			),
			S: `!(name == "mashraki") || org in ["fb","ent"]`,
		},
		{
			P: expr.And(
				expr.FieldGT("age", 30),
				expr.FieldContains("workplace", "fb"),
			),
			S: `age > 30 && contains(workplace, "fb")`,
		},
		{
			P: expr.Not(expr.FieldLT("score", 32.23)),
			S: `!(score < 32.23)`,
		},
		{
			P: expr.And(
				expr.FieldNil("active"),
				expr.FieldNotNil("name"),
			),
			S: `active == nil && name != nil`,
		},
		{
			P: expr.Or(
				expr.FieldNotIn("id", 1, 2, 3),
				expr.FieldHasSuffix("name", "admin"),
			),
			S: `id not in [1,2,3] || has_suffix(name, "admin")`,
		},
		{
			P: expr.EQ(expr.F("current"), expr.F("total")).Negate(),
			S: `!(current == total)`,
		},
		{
			P: expr.EQ(expr.F("owner_id"), expr.Auth("sub")),
			S: `owner_id == auth.sub`,
		},
		{
			P: expr.And(
				expr.AuthPresent(),
				expr.EQ(expr.F("tenant_id"), expr.Auth("tenant")),
			),
			S: `auth != nil && tenant_id == auth.tenant`,
		},
		{
			P: expr.Some("posts", expr.FieldEQ("published", true)),
			S: `some(posts, published == true)`,
		},
		{
			P: expr.None("comments", expr.FieldEQ("flagged", true)),
			S: `none(comments, flagged == true)`,
		},
		{
			P: expr.Some("posts", nil),
			S: `some(posts)`,
		},
		{
			P: expr.Every("members", expr.EQ(expr.F("org_id"), expr.Auth("tenant"))),
			S: `every(members, org_id == auth.tenant)`,
		},
		{
			P: expr.HasRole("admin"),
			S: `has_role("admin")`,
		},
		{
			P: expr.AuthAbsent(),
			S: `auth == nil`,
		},
		{
			P: expr.And(
				expr.FieldEQ("a", 1),
				expr.Or(expr.FieldEQ("b", 2), expr.FieldEQ("c", 3)),
			),
			S: `a == 1 && (b == 2 || c == 3)`,
		},
	}
	for i := range tests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			assert.Equal(t, tests[i].S, tests[i].P.String())
		})
	}
}

func TestNegate(t *testing.T) {
	t.Parallel()

	// Double negation unwraps.
	p := expr.FieldEQ("name", "a8m")
	assert.Equal(t, p.String(), p.Negate().Negate().String())

	// In flips its operator instead of wrapping.
	in := expr.FieldIn("org", "fb", "ent")
	assert.Equal(t, `org not in ["fb","ent"]`, in.Negate().String())

	// Constants negate directly.
	assert.Equal(t, "false", expr.True().Negate().String())
	assert.Equal(t, "true", expr.False().Negate().String())

	// Nil flips.
	assert.Equal(t, `active != nil`, expr.FieldNil("active").Negate().String())
}

func TestSinglePredicateComposition(t *testing.T) {
	t.Parallel()

	// And/Or of a single predicate collapse to the predicate itself.
	p := expr.FieldEQ("a", 1)
	assert.Equal(t, p, expr.And(p))
	assert.Equal(t, p, expr.Or(p))
}

func TestCmpOperators(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		P    expr.P
		S    string
	}{
		{"FieldNEQ", expr.FieldNEQ("status", "active"), `status != "active"`},
		{"FieldGTE", expr.FieldGTE("age", 18), `age >= 18`},
		{"FieldLTE", expr.FieldLTE("price", 100), `price <= 100`},
		{"FieldHasPrefix", expr.FieldHasPrefix("path", "/api/"), `has_prefix(path, "/api/")`},
		{"GT terms", expr.GT(expr.F("spent"), expr.F("budget")), `spent > budget`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.S, tt.P.String())
		})
	}
}
