package expr_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/expr"
	"github.com/syssam/bastion/identity"
)

func evalP(t *testing.T, p expr.P, row bastion.Row, id *identity.Identity) bool {
	t.Helper()
	ok, err := expr.Eval(context.Background(), p, row, id, nil)
	require.NoError(t, err)
	return ok
}

func TestEvalComparisons(t *testing.T) {
	t.Parallel()

	row := bastion.Row{
		"title":      "hello world",
		"views":      int64(42),
		"rating":     4.5,
		"published":  true,
		"deleted_at": nil,
	}

	tests := []struct {
		name string
		p    expr.P
		want bool
	}{
		{"eq string", expr.FieldEQ("title", "hello world"), true},
		{"neq string", expr.FieldNEQ("title", "bye"), true},
		{"numeric cross-type", expr.FieldEQ("views", 42), true},
		{"gt", expr.FieldGT("views", 41), true},
		{"gte boundary", expr.FieldGTE("views", 42), true},
		{"lt float", expr.FieldLT("rating", 5.0), true},
		{"lte fails", expr.FieldLTE("rating", 4.0), false},
		{"bool eq", expr.FieldEQ("published", true), true},
		{"contains", expr.FieldContains("title", "lo wo"), true},
		{"has_prefix", expr.FieldHasPrefix("title", "hello"), true},
		{"has_suffix miss", expr.FieldHasSuffix("title", "hello"), false},
		{"in", expr.FieldIn("views", 1, 42, 99), true},
		{"not in", expr.FieldNotIn("views", 1, 2), true},
		{"nil value", expr.FieldNil("deleted_at"), true},
		{"absent field is nil", expr.FieldNil("missing"), true},
		{"not nil", expr.FieldNotNil("title"), true},
		{"absent field never compares", expr.FieldEQ("missing", "x"), false},
		{"type mismatch never matches", expr.FieldGT("title", 3), false},
		{"constants", expr.True(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalP(t, tt.p, row, nil))
		})
	}
}

func TestEvalBoolComposition(t *testing.T) {
	t.Parallel()

	row := bastion.Row{"a": 1, "b": 2}

	assert.True(t, evalP(t, expr.And(expr.FieldEQ("a", 1), expr.FieldEQ("b", 2)), row, nil))
	assert.False(t, evalP(t, expr.And(expr.FieldEQ("a", 1), expr.FieldEQ("b", 3)), row, nil))
	assert.True(t, evalP(t, expr.Or(expr.FieldEQ("a", 9), expr.FieldEQ("b", 2)), row, nil))
	assert.False(t, evalP(t, expr.Or(expr.FieldEQ("a", 9), expr.FieldEQ("b", 9)), row, nil))
	assert.True(t, evalP(t, expr.Not(expr.FieldEQ("a", 9)), row, nil))
}

func TestEvalTime(t *testing.T) {
	t.Parallel()

	now := time.Now()
	row := bastion.Row{"created_at": now}
	assert.True(t, evalP(t, expr.FieldLT("created_at", now.Add(time.Hour)), row, nil))
	assert.False(t, evalP(t, expr.FieldGT("created_at", now.Add(time.Hour)), row, nil))
}

func TestEvalIdentity(t *testing.T) {
	t.Parallel()

	row := bastion.Row{"owner_id": "user-1", "tenant_id": "org-a"}
	owner := identity.New("user-1").WithTenant("org-a").WithRoles("editor")
	other := identity.New("user-2").WithTenant("org-b")

	ownerP := expr.EQ(expr.F("owner_id"), expr.Auth("sub"))
	assert.True(t, evalP(t, ownerP, row, owner))
	assert.False(t, evalP(t, ownerP, row, other))

	// Anonymous caller: auth-dependent comparisons never match.
	assert.False(t, evalP(t, ownerP, row, nil))

	assert.True(t, evalP(t, expr.HasRole("editor"), row, owner))
	assert.False(t, evalP(t, expr.HasRole("editor"), row, other))

	assert.True(t, evalP(t, expr.AuthPresent(), row, owner))
	assert.False(t, evalP(t, expr.AuthPresent(), row, nil))
	assert.True(t, evalP(t, expr.AuthAbsent(), row, nil))

	// Custom claims resolve through auth refs as well.
	plan := identity.New("user-3").WithClaim("plan", "pro")
	assert.True(t, evalP(t, expr.EQ(expr.Auth("plan"), expr.V("pro")), row, plan))
}

func TestEvalRelations(t *testing.T) {
	t.Parallel()

	posts := []bastion.Row{
		{"id": 1, "published": true},
		{"id": 2, "published": false},
	}
	loader := expr.LoaderFunc(func(_ context.Context, relation string, _ bastion.Row) ([]bastion.Row, error) {
		if relation == "posts" {
			return posts, nil
		}
		return nil, nil
	})

	row := bastion.Row{"id": "u1"}
	ctx := context.Background()

	ok, err := expr.Eval(ctx, expr.Some("posts", expr.FieldEQ("published", true)), row, nil, loader)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = expr.Eval(ctx, expr.Every("posts", expr.FieldEQ("published", true)), row, nil, loader)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = expr.Eval(ctx, expr.None("posts", expr.FieldEQ("published", true)), row, nil, loader)
	require.NoError(t, err)
	assert.False(t, ok)

	// Quantifiers over an empty relation.
	ok, err = expr.Eval(ctx, expr.Some("tags", nil), row, nil, loader)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = expr.Eval(ctx, expr.Every("tags", expr.FieldEQ("x", 1)), row, nil, loader)
	require.NoError(t, err)
	assert.True(t, ok)

	// Relation predicates require a loader.
	_, err = expr.Eval(ctx, expr.Some("posts", nil), row, nil, nil)
	assert.Error(t, err)
}
