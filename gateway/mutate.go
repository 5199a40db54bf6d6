package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/dialect"
	"github.com/syssam/bastion/dialect/sql"
	"github.com/syssam/bastion/expr"
	"github.com/syssam/bastion/identity"
	"github.com/syssam/bastion/schema"
)

// Create inserts a row after the identity passes the model's create
// rules against the proposed values. The returned row includes the
// generated primary key.
func (m *ModelClient) Create(ctx context.Context, row bastion.Row) (bastion.Row, error) {
	if m.err != nil {
		return nil, m.err
	}
	id, err := m.c.ident(ctx)
	if err != nil {
		return nil, err
	}
	created, err := m.create(ctx, m.c.drv, id, row)
	if err != nil {
		return nil, err
	}
	m.c.invalidate(ctx)
	return created, nil
}

// CreateBulk inserts the rows in one transaction. A policy denial on any
// row rolls the whole batch back.
func (m *ModelClient) CreateBulk(ctx context.Context, rows ...bastion.Row) ([]bastion.Row, error) {
	if m.err != nil {
		return nil, m.err
	}
	id, err := m.c.ident(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := m.c.drv.Tx(ctx)
	if err != nil {
		return nil, err
	}
	created := make([]bastion.Row, 0, len(rows))
	for _, row := range rows {
		r, err := m.create(ctx, tx, id, row)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		created = append(created, r)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	m.c.invalidate(ctx)
	return created, nil
}

func (m *ModelClient) create(ctx context.Context, conn dialect.ExecQuerier, id *identity.Identity, row bastion.Row) (bastion.Row, error) {
	c := m.c
	model := m.model
	if err := m.checkColumns(row); err != nil {
		return nil, err
	}
	row = row.Clone()
	if _, ok := row[model.ID]; !ok {
		if f, declared := model.Field(model.ID); declared && f.Type == schema.TypeUUID {
			row[model.ID] = uuid.NewString()
		}
	}
	ld := &loader{c: c, model: model, id: id}
	if err := c.policies.EvalMutation(ctx, model.Name, bastion.OpCreate, row, id, ld); err != nil {
		c.log.Debug("create denied", zap.String("model", model.Name))
		return nil, err
	}
	columns := m.orderedColumns(row)
	ins := sql.Insert(model.Table).SetDialect(c.drv.Dialect())
	cols := make([]string, len(columns))
	vals := make([]any, len(columns))
	for i, f := range columns {
		col, _ := model.Column(f)
		cols[i] = col
		vals[i] = row[f]
	}
	ins.Columns(cols...).Values(vals...)
	_, hasID := row[model.ID]
	switch {
	case !hasID && c.drv.Dialect() != dialect.MySQL:
		// RETURNING surfaces the generated key on postgres and sqlite.
		query, args := ins.Returning(model.ID).Query()
		var rows sql.Rows
		if err := conn.Query(ctx, query, args, &rows); err != nil {
			return nil, err
		}
		defer rows.Close()
		if rows.Next() {
			var generated any
			if err := rows.Scan(&generated); err != nil {
				return nil, err
			}
			row[model.ID] = normalize(model, model.ID, generated)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	case !hasID:
		query, args := ins.Query()
		var res sql.Result
		if err := conn.Exec(ctx, query, args, &res); err != nil {
			return nil, err
		}
		if last, err := res.LastInsertId(); err == nil {
			row[model.ID] = last
		}
	default:
		query, args := ins.Query()
		if err := conn.Exec(ctx, query, args, nil); err != nil {
			return nil, err
		}
	}
	c.log.Debug("created", zap.String("model", model.Name))
	return row, nil
}

// Update applies the changes to every row matching the caller predicate.
// Every candidate row must pass the model's update rules and the field
// rules for the changed fields; one unauthorized candidate fails the
// whole operation before anything is written.
func (m *ModelClient) Update(ctx context.Context, pred expr.P, changes bastion.Row) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	if len(changes) == 0 {
		return 0, nil
	}
	if err := m.checkColumns(changes); err != nil {
		return 0, err
	}
	id, err := m.c.ident(ctx)
	if err != nil {
		return 0, err
	}
	fields := changes.Columns()
	n, err := m.mutateCandidates(ctx, id, pred, bastion.OpUpdate, func(candidate bastion.Row, ld expr.Loader) error {
		return m.c.policies.CheckFields(ctx, m.model.Name, candidate, fields, id, ld)
	}, func(keys []any) (string, []any) {
		upd := sql.Update(m.model.Table).SetDialect(m.c.drv.Dialect())
		for _, f := range m.orderedColumns(changes) {
			col, _ := m.model.Column(f)
			upd.Set(col, changes[f])
		}
		upd.Where(sql.In(m.model.ID, keys...))
		return upd.Query()
	})
	if err != nil {
		return 0, err
	}
	m.c.invalidate(ctx)
	return n, nil
}

// Delete removes every row matching the caller predicate, provided the
// identity passes the model's delete rules on each candidate.
func (m *ModelClient) Delete(ctx context.Context, pred expr.P) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	id, err := m.c.ident(ctx)
	if err != nil {
		return 0, err
	}
	n, err := m.mutateCandidates(ctx, id, pred, bastion.OpDelete, nil, func(keys []any) (string, []any) {
		return sql.Delete(m.model.Table).
			SetDialect(m.c.drv.Dialect()).
			Where(sql.In(m.model.ID, keys...)).
			Query()
	})
	if err != nil {
		return 0, err
	}
	m.c.invalidate(ctx)
	return n, nil
}

// mutateCandidates fetches the rows matching the caller predicate, checks
// each against the policy, and executes the statement over their keys in
// the same transaction.
func (m *ModelClient) mutateCandidates(
	ctx context.Context,
	id *identity.Identity,
	pred expr.P,
	op bastion.Op,
	extra func(row bastion.Row, ld expr.Loader) error,
	build func(keys []any) (string, []any),
) (int, error) {
	c := m.c
	model := m.model
	tx, err := c.drv.Tx(ctx)
	if err != nil {
		return 0, err
	}
	candidates, err := m.fetchCandidates(ctx, tx, id, pred)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if len(candidates) == 0 {
		_ = tx.Rollback()
		return 0, nil
	}
	ld := &loader{c: c, model: model, id: id}
	keys := make([]any, 0, len(candidates))
	for _, candidate := range candidates {
		if err := c.policies.EvalMutation(ctx, model.Name, op, candidate, id, ld); err != nil {
			c.log.Debug("mutation denied",
				zap.String("model", model.Name),
				zap.Stringer("op", op),
			)
			_ = tx.Rollback()
			return 0, err
		}
		if extra != nil {
			if err := extra(candidate, ld); err != nil {
				_ = tx.Rollback()
				return 0, err
			}
		}
		key, ok := candidate[model.ID]
		if !ok {
			_ = tx.Rollback()
			return 0, bastion.NewSchemaError(model.Name, fmt.Errorf("candidate row without %q", model.ID))
		}
		keys = append(keys, key)
	}
	query, args := build(keys)
	var res sql.Result
	if err := tx.Exec(ctx, query, args, &res); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if affected, err := res.RowsAffected(); err == nil {
		return int(affected), nil
	}
	return len(keys), nil
}

// fetchCandidates selects the rows the caller predicate matches, without
// the read policy: write rules decide over the true row set. The rows are
// locked until the transaction ends so the checked rows are the written
// rows.
func (m *ModelClient) fetchCandidates(ctx context.Context, conn dialect.ExecQuerier, id *identity.Identity, pred expr.P) ([]bastion.Row, error) {
	c := m.c
	model := m.model
	sel := sql.Select().From(model.Table).SetDialect(c.drv.Dialect()).ForUpdate()
	var bound expr.P
	exact := true
	if pred != nil {
		bound = expr.Bind(pred, id)
		low, err := c.lower(model, bound, id)
		if err != nil {
			return nil, err
		}
		sel.Where(low.pred)
		exact = low.exact
	}
	query, args := sel.Query()
	rows, err := c.runQueryOn(ctx, conn, model, query, args)
	if err != nil {
		return nil, err
	}
	if exact || bound == nil {
		return rows, nil
	}
	ld := &loader{c: c, model: model, id: id}
	kept := rows[:0]
	for _, row := range rows {
		ok, err := expr.Eval(ctx, bound, row, id, ld)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, row)
		}
	}
	return kept, nil
}

// checkColumns rejects rows referencing undeclared fields.
func (m *ModelClient) checkColumns(row bastion.Row) error {
	for name := range row {
		if name == m.model.ID {
			continue
		}
		if _, ok := m.model.Field(name); !ok {
			return bastion.NewSchemaError(m.model.Name, errUnknownField(name))
		}
	}
	return nil
}

// orderedColumns returns the row's fields in schema declaration order,
// primary key first, for deterministic statements.
func (m *ModelClient) orderedColumns(row bastion.Row) []string {
	out := make([]string, 0, len(row))
	if _, ok := row[m.model.ID]; ok {
		out = append(out, m.model.ID)
	}
	for _, f := range m.model.Fields {
		if f.Name == m.model.ID {
			continue
		}
		if _, ok := row[f.Name]; ok {
			out = append(out, f.Name)
		}
	}
	return out
}

// invalidate drops cached reads for the mutated model.
func (c *Client) invalidate(ctx context.Context) {
	if c.cache != nil {
		// Relation rules can make any model's visible set depend on another,
		// so mutations clear the whole namespace per model prefix.
		for _, m := range c.schema.Models() {
			c.cache.invalidate(ctx, m.Name)
		}
	}
}
