package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/dialect"
	"github.com/syssam/bastion/identity"
	"github.com/syssam/bastion/policy"
)

// ReadClause renders the model's read-policy pushdown as a standalone SQL
// condition for the identity, for embedding in statements built outside the
// client, e.g. an ORM scope. It fails when the policy contains conditions
// that cannot be expressed in SQL exactly: a widened clause embedded in a
// foreign statement would leak rows, since nothing re-checks them.
func ReadClause(pol *policy.Policies, model, dialectName string, id *identity.Identity) (string, []any, error) {
	c := &Client{
		drv:      clauseDriver{name: dialectName},
		schema:   pol.Schema(),
		policies: pol,
		log:      zap.NewNop(),
	}
	m, ok := c.schema.Model(model)
	if !ok {
		return "", nil, bastion.NewSchemaError(model, fmt.Errorf("unknown model"))
	}
	decision, err := pol.ReadPredicate(model, id)
	if err != nil {
		return "", nil, err
	}
	low, err := c.lower(m, decision.Pushdown, id)
	if err != nil {
		return "", nil, err
	}
	if !decision.Exact || !low.exact || low.pred == nil {
		return "", nil, bastion.NewSchemaError(model, fmt.Errorf("read policy not expressible as a SQL clause"))
	}
	cond, args := low.pred.Render(dialectName)
	return cond, args, nil
}

// clauseDriver carries a dialect for rendering only; it never executes.
type clauseDriver struct{ name string }

func (d clauseDriver) Exec(context.Context, string, any, any) error {
	return fmt.Errorf("clause driver cannot execute")
}

func (d clauseDriver) Query(context.Context, string, any, any) error {
	return fmt.Errorf("clause driver cannot execute")
}

func (d clauseDriver) Tx(context.Context) (dialect.Tx, error) {
	return nil, fmt.Errorf("clause driver cannot execute")
}

func (d clauseDriver) Close() error { return nil }

func (d clauseDriver) Dialect() string { return d.name }
