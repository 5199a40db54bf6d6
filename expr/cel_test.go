package expr_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/expr"
	"github.com/syssam/bastion/identity"
)

func TestCELEval(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	row := bastion.Row{"views": int64(10), "title": "hello", "tenant_id": "org-a"}
	id := identity.New("user-1").WithTenant("org-a").WithRoles("editor")

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"row comparison", `row.views >= 10`, true},
		{"row string", `row.title.startsWith("he")`, true},
		{"auth claim", `auth.sub == "user-1"`, true},
		{"tenant match", `row.tenant_id == auth.tenant`, true},
		{"role membership", `"editor" in auth.roles`, true},
		{"mismatch", `auth.sub == "user-2"`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := expr.CEL(tt.expr)
			require.NoError(t, p.Compile())
			ok, err := p.Eval(ctx, row, id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestCELAnonymous(t *testing.T) {
	t.Parallel()

	// Absent-attribute lookups do not match, mirroring Bind semantics for
	// auth refs: identity-dependent conditions are inert for anonymous calls.
	p := expr.CEL(`auth.sub == "user-1"`)
	ok, err := p.Eval(context.Background(), bastion.Row{}, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	// Presence can be tested explicitly.
	p = expr.CEL(`!("sub" in auth)`)
	ok, err = p.Eval(context.Background(), bastion.Row{}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCELCompileErrors(t *testing.T) {
	t.Parallel()

	assert.Error(t, expr.CEL(`row.views >=`).Compile())

	// Non-boolean output is rejected at compile time.
	assert.Error(t, expr.CEL(`row.views + 1`).Compile())
}

func TestCELString(t *testing.T) {
	t.Parallel()

	p := expr.CEL(`row.a == 1`)
	assert.Equal(t, `cel("row.a == 1")`, p.String())
	assert.Equal(t, `!(cel("row.a == 1"))`, p.Negate().String())
}
