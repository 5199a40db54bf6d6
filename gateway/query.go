package gateway

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/dialect/sql"
	"github.com/syssam/bastion/expr"
	"github.com/syssam/bastion/identity"
	"github.com/syssam/bastion/policy"
	"github.com/syssam/bastion/schema"
)

type queryOrder struct {
	field string
	desc  bool
}

// Query is a read query under the model's read policy. Rows the identity
// may not see are omitted silently.
type Query struct {
	m      *ModelClient
	pred   expr.P
	fields []string
	orders []queryOrder
	limit  *int
	offset *int
	withs  []string
}

// Where conjoins a predicate with the query. The predicate may reference
// identity claims; they are resolved against the client's identity.
func (q *Query) Where(p expr.P) *Query {
	if q.pred != nil {
		p = expr.And(q.pred, p)
	}
	q.pred = p
	return q
}

// Select restricts the returned fields. The policy decision always sees
// the full row; projection happens after enforcement.
func (q *Query) Select(fields ...string) *Query {
	q.fields = append(q.fields, fields...)
	return q
}

// With eager-loads a relation into each returned row, filtered by the
// related model's read policy.
func (q *Query) With(relation string) *Query {
	q.withs = append(q.withs, relation)
	return q
}

// Order appends ascending order terms.
func (q *Query) Order(fields ...string) *Query {
	for _, f := range fields {
		q.orders = append(q.orders, queryOrder{field: f})
	}
	return q
}

// OrderDesc appends descending order terms.
func (q *Query) OrderDesc(fields ...string) *Query {
	for _, f := range fields {
		q.orders = append(q.orders, queryOrder{field: f, desc: true})
	}
	return q
}

// Limit caps the number of returned rows.
func (q *Query) Limit(n int) *Query {
	q.limit = &n
	return q
}

// Offset skips the first n authorized rows.
func (q *Query) Offset(n int) *Query {
	q.offset = &n
	return q
}

// All returns every row the identity is authorized to read.
func (q *Query) All(ctx context.Context) ([]bastion.Row, error) {
	if q.m.err != nil {
		return nil, q.m.err
	}
	id, err := q.m.c.ident(ctx)
	if err != nil {
		return nil, err
	}
	return q.allAs(ctx, id)
}

func (q *Query) allAs(ctx context.Context, id *identity.Identity) ([]bastion.Row, error) {
	rows, err := q.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := q.eagerLoad(ctx, id, rows); err != nil {
		return nil, err
	}
	return q.project(rows), nil
}

// First returns the first authorized row.
func (q *Query) First(ctx context.Context) (bastion.Row, error) {
	limit := 1
	q.limit = &limit
	rows, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, bastion.NewNotFoundError(q.m.model.Name)
	}
	return rows[0], nil
}

// Only returns the single authorized row matching the query. It fails with
// NotFoundError when none matches and NotSingularError when more than one
// does.
func (q *Query) Only(ctx context.Context) (bastion.Row, error) {
	limit := 2
	q.limit = &limit
	rows, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, bastion.NewNotFoundError(q.m.model.Name)
	case 1:
		return rows[0], nil
	default:
		return nil, bastion.NewNotSingularError(q.m.model.Name, len(rows))
	}
}

// Count returns the number of authorized rows matching the query.
func (q *Query) Count(ctx context.Context) (int, error) {
	if q.m.err != nil {
		return 0, q.m.err
	}
	id, err := q.m.c.ident(ctx)
	if err != nil {
		return 0, err
	}
	plan, err := q.plan(id)
	if err != nil {
		return 0, err
	}
	if plan.exact {
		sel := sql.SelectCount().From(q.m.model.Table).SetDialect(q.m.c.drv.Dialect()).Where(plan.where)
		query, args := sel.Query()
		n, err := q.m.c.queryCount(ctx, query, args)
		if err != nil {
			return 0, err
		}
		return n, nil
	}
	rows, err := q.fetchPlan(ctx, id, plan, true)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Exist reports whether any authorized row matches the query.
func (q *Query) Exist(ctx context.Context) (bool, error) {
	limit := 1
	q.limit = &limit
	rows, err := q.All(ctx)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// queryPlan is one read query after policy binding and lowering.
type queryPlan struct {
	where    *sql.Predicate
	exact    bool
	decision *policy.ReadDecision
	caller   expr.P // bound caller predicate, re-checked in memory when inexact
}

func (q *Query) plan(id *identity.Identity) (*queryPlan, error) {
	c := q.m.c
	m := q.m.model
	decision, err := c.policies.ReadPredicate(m.Name, id)
	if err != nil {
		return nil, err
	}
	push, err := c.lower(m, decision.Pushdown, id)
	if err != nil {
		return nil, err
	}
	plan := &queryPlan{exact: decision.Exact && push.exact, decision: decision}
	preds := make([]*sql.Predicate, 0, 2)
	if push.pred != nil {
		preds = append(preds, push.pred)
	}
	if q.pred != nil {
		bound := expr.Bind(q.pred, id)
		caller, err := c.lower(m, bound, id)
		if err != nil {
			return nil, err
		}
		if caller.pred != nil {
			preds = append(preds, caller.pred)
		}
		if !caller.exact {
			plan.exact = false
			plan.caller = bound
		}
	}
	if len(preds) > 0 {
		plan.where = sql.And(preds...)
	}
	c.log.Debug("read query planned",
		zap.String("model", m.Name),
		zap.Bool("exact", plan.exact),
	)
	return plan, nil
}

func (q *Query) fetch(ctx context.Context, id *identity.Identity) ([]bastion.Row, error) {
	plan, err := q.plan(id)
	if err != nil {
		return nil, err
	}
	return q.fetchPlan(ctx, id, plan, false)
}

// fetchPlan runs the planned select. For inexact plans limit and offset
// move in memory: cutting rows before the residual check would drop
// authorized rows.
func (q *Query) fetchPlan(ctx context.Context, id *identity.Identity, plan *queryPlan, unbounded bool) ([]bastion.Row, error) {
	c := q.m.c
	m := q.m.model
	sel := sql.Select().From(m.Table).SetDialect(c.drv.Dialect()).Where(plan.where)
	for _, o := range q.orders {
		col, ok := m.Column(o.field)
		if !ok {
			return nil, bastion.NewSchemaError(m.Name, errUnknownField(o.field))
		}
		if o.desc {
			sel.OrderDesc(col)
		} else {
			sel.OrderAsc(col)
		}
	}
	if plan.exact && !unbounded {
		if q.limit != nil {
			sel.Limit(*q.limit)
		}
		if q.offset != nil {
			sel.Offset(*q.offset)
		}
	}
	query, args := sel.Query()
	rows, err := c.queryRows(ctx, m, id, query, args)
	if err != nil {
		return nil, err
	}
	if !plan.exact {
		ld := &loader{c: c, model: m, id: id}
		kept := rows[:0]
		for _, row := range rows {
			ok, err := plan.decision.Check(ctx, row, id, ld)
			if err != nil {
				return nil, err
			}
			if ok && plan.caller != nil {
				if ok, err = expr.Eval(ctx, plan.caller, row, id, ld); err != nil {
					return nil, err
				}
			}
			if ok {
				kept = append(kept, row)
			}
		}
		rows = kept
		if !unbounded {
			if q.offset != nil {
				if *q.offset >= len(rows) {
					rows = nil
				} else {
					rows = rows[*q.offset:]
				}
			}
			if q.limit != nil && len(rows) > *q.limit {
				rows = rows[:*q.limit]
			}
		}
	}
	return rows, nil
}

// eagerLoad attaches policy-filtered related rows under the relation name,
// one concurrent batch query per relation. The goroutines only read the
// fetched rows; attachment mutates them and runs sequentially afterwards.
func (q *Query) eagerLoad(ctx context.Context, id *identity.Identity, rows []bastion.Row) error {
	if len(q.withs) == 0 || len(rows) == 0 {
		return nil
	}
	c := q.m.c
	m := q.m.model
	attach := make([]func(), len(q.withs))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range q.withs {
		rel, ok := m.Relation(name)
		if !ok {
			return bastion.NewSchemaError(m.Name, errUnknownRelation(name))
		}
		i, rel := i, rel
		g.Go(func() error {
			fn, err := c.loadRelation(gctx, id, m, rel, rows)
			if err != nil {
				return err
			}
			attach[i] = fn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, fn := range attach {
		if fn != nil {
			fn()
		}
	}
	return nil
}

// loadRelation fetches the related rows and returns the attachment step to
// run once all loads are done. It must not mutate rows itself: several
// loads share them concurrently.
func (c *Client) loadRelation(ctx context.Context, id *identity.Identity, m *schema.Model, rel schema.Relation, rows []bastion.Row) (func(), error) {
	target, _ := c.schema.Model(rel.Model)
	ownerKey := rel.References
	if ownerKey == "" {
		ownerKey = m.ID
	}
	var matchCol, rowKey string
	switch rel.Kind {
	case schema.HasMany:
		matchCol, rowKey = rel.ForeignKey, ownerKey
	case schema.BelongsTo:
		matchCol, rowKey = referencedColumn(target, rel), rel.ForeignKey
	}
	keys := make([]any, 0, len(rows))
	seen := make(map[any]struct{}, len(rows))
	for _, row := range rows {
		k, ok := row[rowKey]
		if !ok || k == nil {
			continue
		}
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sub := &Query{m: &ModelClient{c: c, model: target}, pred: expr.FieldIn(matchCol, keys...)}
	related, err := sub.allAs(ctx, id)
	if err != nil {
		return nil, err
	}
	grouped := make(map[any][]bastion.Row, len(related))
	for _, r := range related {
		grouped[r[matchCol]] = append(grouped[r[matchCol]], r)
	}
	return func() {
		for _, row := range rows {
			k, ok := row[rowKey]
			if !ok || k == nil {
				continue
			}
			switch rel.Kind {
			case schema.HasMany:
				row[rel.Name] = grouped[k]
			case schema.BelongsTo:
				if rs := grouped[k]; len(rs) > 0 {
					row[rel.Name] = rs[0]
				}
			}
		}
	}, nil
}

// project applies the Select clause, keeping eager-loaded relations.
func (q *Query) project(rows []bastion.Row) []bastion.Row {
	if len(q.fields) == 0 {
		return rows
	}
	keep := make(map[string]struct{}, len(q.fields)+len(q.withs))
	for _, f := range q.fields {
		keep[f] = struct{}{}
	}
	for _, w := range q.withs {
		keep[w] = struct{}{}
	}
	out := make([]bastion.Row, len(rows))
	for i, row := range rows {
		p := make(bastion.Row, len(keep))
		for k := range keep {
			if v, ok := row[k]; ok {
				p[k] = v
			}
		}
		out[i] = p
	}
	return out
}
