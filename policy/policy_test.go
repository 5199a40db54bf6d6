package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/expr"
	"github.com/syssam/bastion/identity"
	"github.com/syssam/bastion/policy"
	"github.com/syssam/bastion/schema"
)

func compile(t *testing.T, models ...*schema.Model) *policy.Policies {
	t.Helper()
	s, err := schema.New(models...)
	require.NoError(t, err)
	return policy.Compile(s)
}

func postModel() *schema.Model {
	return schema.NewModel("Post").
		AddFields(
			schema.String("title"),
			schema.Bool("published"),
			schema.String("author_id"),
			schema.Bool("archived"),
		).
		Allow("public-read", bastion.OpRead, expr.FieldEQ("published", true)).
		Allow("owner-all", bastion.OpAll, expr.EQ(expr.F("author_id"), expr.Auth("sub"))).
		Deny("lock-archived", bastion.OpUpdate|bastion.OpDelete, expr.FieldEQ("archived", true)).
		AllowField("admin-sets-author", "author_id", expr.HasRole("admin"))
}

func TestEvalMutationDefaultDeny(t *testing.T) {
	t.Parallel()

	p := compile(t, schema.NewModel("Note").AddFields(schema.String("body")))
	err := p.EvalMutation(context.Background(), "Note", bastion.OpCreate, bastion.Row{"body": "x"}, identity.New("u1"), nil)
	require.Error(t, err)
	assert.True(t, bastion.IsDenied(err))
	assert.Contains(t, err.Error(), "no allow rule matched")
}

func TestEvalMutationOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := compile(t, postModel())
	row := bastion.Row{"author_id": "u1", "published": false, "archived": false}

	require.NoError(t, p.EvalMutation(ctx, "Post", bastion.OpUpdate, row, identity.New("u1"), nil))

	err := p.EvalMutation(ctx, "Post", bastion.OpUpdate, row, identity.New("u2"), nil)
	assert.True(t, bastion.IsDenied(err))

	// Anonymous callers never match the owner rule.
	err = p.EvalMutation(ctx, "Post", bastion.OpUpdate, row, nil, nil)
	assert.True(t, bastion.IsDenied(err))
}

func TestEvalMutationDenyOverridesAllow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := compile(t, postModel())
	row := bastion.Row{"author_id": "u1", "published": true, "archived": true}

	// The owner allow matches, but the archived deny wins.
	err := p.EvalMutation(ctx, "Post", bastion.OpDelete, row, identity.New("u1"), nil)
	require.Error(t, err)
	assert.True(t, bastion.IsDenied(err))
	assert.Contains(t, err.Error(), `denied by rule "lock-archived"`)

	// The deny covers update and delete only; create is unaffected.
	require.NoError(t, p.EvalMutation(ctx, "Post", bastion.OpCreate, row, identity.New("u1"), nil))
}

func TestEvalMutationUnknownModel(t *testing.T) {
	t.Parallel()

	p := compile(t, postModel())
	err := p.EvalMutation(context.Background(), "Ghost", bastion.OpCreate, nil, nil, nil)
	assert.True(t, bastion.IsSchemaError(err))
}

func TestCheckFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := compile(t, postModel())
	row := bastion.Row{"author_id": "u1", "archived": false}

	// Unrestricted fields pass.
	require.NoError(t, p.CheckFields(ctx, "Post", row, []string{"title", "published"}, identity.New("u1"), nil))

	// author_id requires the admin role.
	err := p.CheckFields(ctx, "Post", row, []string{"title", "author_id"}, identity.New("u1"), nil)
	require.Error(t, err)
	assert.True(t, bastion.IsDenied(err))
	var fde *bastion.FieldDeniedError
	require.ErrorAs(t, err, &fde)
	assert.Equal(t, "author_id", fde.Field)

	admin := identity.New("u9").WithRoles("admin")
	require.NoError(t, p.CheckFields(ctx, "Post", row, []string{"author_id"}, admin, nil))
}

func TestCheckFieldsDenyOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := schema.NewModel("Doc").
		AddFields(schema.String("state"), schema.String("owner_id")).
		DenyField("freeze-state", "state", expr.FieldEQ("state", "final"))
	p := compile(t, m)

	// Only deny rules: absence of a matching deny permits the field.
	require.NoError(t, p.CheckFields(ctx, "Doc", bastion.Row{"state": "draft"}, []string{"state"}, nil, nil))

	err := p.CheckFields(ctx, "Doc", bastion.Row{"state": "final"}, []string{"state"}, nil, nil)
	assert.True(t, bastion.IsDenied(err))
}

func TestReadPredicatePushdown(t *testing.T) {
	t.Parallel()

	p := compile(t, postModel())

	d, err := p.ReadPredicate("Post", identity.New("u1"))
	require.NoError(t, err)
	assert.True(t, d.Exact)
	assert.Equal(t, `published == true || author_id == "u1"`, d.Pushdown.String())

	// Anonymous: the owner branch folds away.
	d, err = p.ReadPredicate("Post", nil)
	require.NoError(t, err)
	assert.True(t, d.Exact)
	assert.Equal(t, `published == true`, d.Pushdown.String())
}

func TestReadPredicateDefaultDeny(t *testing.T) {
	t.Parallel()

	p := compile(t, schema.NewModel("Secret").AddFields(schema.String("v")))
	d, err := p.ReadPredicate("Secret", identity.New("u1"))
	require.NoError(t, err)
	assert.True(t, d.Exact)
	assert.Equal(t, "false", d.Pushdown.String())
}

func TestReadPredicateDenyRules(t *testing.T) {
	t.Parallel()

	m := schema.NewModel("Post").
		AddFields(schema.Bool("published"), schema.Bool("redacted")).
		Allow("public-read", bastion.OpRead, expr.FieldEQ("published", true)).
		Deny("hide-redacted", bastion.OpRead, expr.FieldEQ("redacted", true))
	p := compile(t, m)

	d, err := p.ReadPredicate("Post", nil)
	require.NoError(t, err)
	assert.True(t, d.Exact)
	assert.Equal(t, `published == true && !(redacted == true)`, d.Pushdown.String())
}

func TestReadPredicateOpaqueAllow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := schema.NewModel("Post").
		AddFields(schema.Bool("published"), schema.Int("views")).
		Allow("public-read", bastion.OpRead, expr.FieldEQ("published", true)).
		Allow("hot-read", bastion.OpRead, expr.CEL(`row.views >= 100`))
	p := compile(t, m)

	// An opaque allow widens the pushdown: its rows cannot be selected in SQL.
	d, err := p.ReadPredicate("Post", nil)
	require.NoError(t, err)
	assert.False(t, d.Exact)
	assert.Equal(t, "true", d.Pushdown.String())

	ok, err := d.Check(ctx, bastion.Row{"published": false, "views": int64(500)}, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Check(ctx, bastion.Row{"published": false, "views": int64(5)}, nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadPredicateOpaqueDeny(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := schema.NewModel("Post").
		AddFields(schema.Bool("published"), schema.String("body")).
		Allow("public-read", bastion.OpRead, expr.FieldEQ("published", true)).
		Deny("filter-body", bastion.OpRead, expr.CEL(`row.body.contains("secret")`))
	p := compile(t, m)

	// The opaque deny stays out of the pushdown and is applied in memory.
	d, err := p.ReadPredicate("Post", nil)
	require.NoError(t, err)
	assert.False(t, d.Exact)
	assert.Equal(t, `published == true`, d.Pushdown.String())

	ok, err := d.Check(ctx, bastion.Row{"published": true, "body": "hello"}, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Check(ctx, bastion.Row{"published": true, "body": "a secret"}, nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadPredicateRelations(t *testing.T) {
	t.Parallel()

	org := schema.NewModel("Org").
		AddHasMany("members", "Member", "org_id").
		Allow("member-read", bastion.OpRead, expr.Some("members", expr.EQ(expr.F("user_id"), expr.Auth("sub"))))
	member := schema.NewModel("Member").
		AddFields(schema.String("org_id"), schema.String("user_id"))
	p := compile(t, org, member)

	d, err := p.ReadPredicate("Org", identity.New("u1"))
	require.NoError(t, err)
	assert.True(t, d.Exact)
	assert.Equal(t, `some(members, user_id == "u1")`, d.Pushdown.String())
}

func TestRuleHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := schema.NewModel("Ticket").
		AddFields(schema.String("owner_id"), schema.String("tenant_id")).
		AddRules(
			policy.AllowIfOwner("owner_id", bastion.OpAll),
			policy.AllowIfRole("support", bastion.OpRead),
			policy.TenantIsolation("tenant_id"),
		)
	p := compile(t, m)

	owner := identity.New("u1").WithTenant("t1")
	row := bastion.Row{"owner_id": "u1", "tenant_id": "t1"}

	require.NoError(t, p.EvalMutation(ctx, "Ticket", bastion.OpUpdate, row, owner, nil))

	// Same owner, wrong tenant: the isolation deny wins.
	err := p.EvalMutation(ctx, "Ticket", bastion.OpUpdate, row, identity.New("u1").WithTenant("t2"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant-isolation")

	// No tenant claim at all is treated as outside every tenant.
	err = p.EvalMutation(ctx, "Ticket", bastion.OpUpdate, row, identity.New("u1"), nil)
	assert.True(t, bastion.IsDenied(err))

	support := identity.New("u2").WithTenant("t1").WithRoles("support")
	ok, errCheck := readAllowed(ctx, p, "Ticket", row, support)
	require.NoError(t, errCheck)
	assert.True(t, ok)
}

func TestAllowAlwaysAndDenyAlways(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := schema.NewModel("Log").
		AddFields(schema.String("line")).
		AddRules(policy.AllowAlways(bastion.OpCreate|bastion.OpRead), policy.DenyAlways(bastion.OpUpdate|bastion.OpDelete))
	p := compile(t, m)

	require.NoError(t, p.EvalMutation(ctx, "Log", bastion.OpCreate, bastion.Row{}, nil, nil))
	err := p.EvalMutation(ctx, "Log", bastion.OpDelete, bastion.Row{}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `denied by rule "deny-always"`)
}

func readAllowed(ctx context.Context, p *policy.Policies, model string, row bastion.Row, id *identity.Identity) (bool, error) {
	d, err := p.ReadPredicate(model, id)
	if err != nil {
		return false, err
	}
	return d.Check(ctx, row, id, nil)
}
