package gateway

import (
	"fmt"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/dialect/sql"
	"github.com/syssam/bastion/expr"
	"github.com/syssam/bastion/identity"
	"github.com/syssam/bastion/schema"
)

// lowered is the SQL form of a bound predicate. A nil pred means no
// constraint (everything matches). When exact is false the SQL form is a
// widening approximation: it may match more rows than the predicate, never
// fewer, so rows fetched through it must still pass the in-memory check.
type lowered struct {
	pred  *sql.Predicate
	exact bool
}

func anything() lowered { return lowered{exact: false} }

func exactly(p *sql.Predicate) lowered { return lowered{pred: p, exact: true} }

// lower translates a bound predicate into SQL against the model's table.
// Opaque conditions cannot be translated; depending on polarity they widen
// the result or force the enclosing composite to widen.
func (c *Client) lower(m *schema.Model, p expr.P, id *identity.Identity) (lowered, error) {
	switch p := p.(type) {
	case *expr.Bool:
		if p.V {
			return exactly(sql.True()), nil
		}
		return exactly(sql.False()), nil
	case *expr.Cmp:
		return c.lowerCmp(m, p)
	case *expr.In:
		col, err := c.column(m, p.Left)
		if err != nil {
			return lowered{}, err
		}
		if p.Not {
			return exactly(sql.NotIn(col, p.Values...)), nil
		}
		return exactly(sql.In(col, p.Values...)), nil
	case *expr.Nil:
		col, err := c.column(m, p.Left)
		if err != nil {
			return lowered{}, err
		}
		if p.Not {
			return exactly(sql.NotNull(col)), nil
		}
		return exactly(sql.IsNull(col)), nil
	case *expr.AndP:
		// Unlowerable conjuncts drop out; the remaining conjunction is a
		// superset of the original.
		var (
			ps    []*sql.Predicate
			exact = true
		)
		for _, x := range p.Xs {
			lx, err := c.lower(m, x, id)
			if err != nil {
				return lowered{}, err
			}
			exact = exact && lx.exact
			if lx.pred != nil {
				ps = append(ps, lx.pred)
			}
		}
		if len(ps) == 0 {
			return lowered{exact: exact}, nil
		}
		return lowered{pred: sql.And(ps...), exact: exact}, nil
	case *expr.OrP:
		// A single unlowerable branch forces the whole disjunction open.
		var (
			ps    []*sql.Predicate
			exact = true
		)
		for _, x := range p.Xs {
			lx, err := c.lower(m, x, id)
			if err != nil {
				return lowered{}, err
			}
			if lx.pred == nil {
				return anything(), nil
			}
			exact = exact && lx.exact
			ps = append(ps, lx.pred)
		}
		return lowered{pred: sql.Or(ps...), exact: exact}, nil
	case *expr.NotP:
		// Negating an approximation would flip it from widening to
		// narrowing, so only exact inner forms negate in SQL.
		lx, err := c.lower(m, p.X, id)
		if err != nil {
			return lowered{}, err
		}
		if !lx.exact || lx.pred == nil {
			return anything(), nil
		}
		return exactly(sql.Not(lx.pred)), nil
	case *expr.Rel:
		return c.lowerRel(m, p, id)
	case expr.Evaluator:
		return anything(), nil
	default:
		return lowered{}, bastion.NewSchemaError(m.Name, fmt.Errorf("cannot translate predicate %s", p))
	}
}

func (c *Client) lowerCmp(m *schema.Model, p *expr.Cmp) (lowered, error) {
	// Binding an auth claim written on the left leaves the literal there;
	// mirror the comparison so the column ends up on the left.
	if v, isValue := p.Left.(expr.Value); isValue {
		if f, isField := p.Right.(expr.Field); isField {
			if op, ok := mirrorOp(p.Op); ok {
				p = &expr.Cmp{Op: op, Left: f, Right: v}
			}
		}
	}
	col, err := c.column(m, p.Left)
	if err != nil {
		return lowered{}, err
	}
	if f, ok := p.Right.(expr.Field); ok {
		if p.Op != expr.OpEQ {
			return lowered{}, bastion.NewSchemaError(m.Name, fmt.Errorf("unsupported column comparison %s", p))
		}
		right, err := c.column(m, f)
		if err != nil {
			return lowered{}, err
		}
		return exactly(sql.ColumnsEQ(col, right)), nil
	}
	v, ok := p.Right.(expr.Value)
	if !ok {
		return lowered{}, bastion.NewSchemaError(m.Name, fmt.Errorf("unresolved operand in %s", p))
	}
	switch p.Op {
	case expr.OpEQ:
		return exactly(sql.EQ(col, v.V)), nil
	case expr.OpNEQ:
		return exactly(sql.NEQ(col, v.V)), nil
	case expr.OpGT:
		return exactly(sql.GT(col, v.V)), nil
	case expr.OpGTE:
		return exactly(sql.GTE(col, v.V)), nil
	case expr.OpLT:
		return exactly(sql.LT(col, v.V)), nil
	case expr.OpLTE:
		return exactly(sql.LTE(col, v.V)), nil
	case expr.OpContains, expr.OpHasPrefix, expr.OpHasSuffix:
		s, ok := v.V.(string)
		if !ok {
			return lowered{}, bastion.NewSchemaError(m.Name, fmt.Errorf("string match on non-string in %s", p))
		}
		switch p.Op {
		case expr.OpContains:
			return exactly(sql.Contains(col, s)), nil
		case expr.OpHasPrefix:
			return exactly(sql.HasPrefix(col, s)), nil
		default:
			return exactly(sql.HasSuffix(col, s)), nil
		}
	default:
		return lowered{}, bastion.NewSchemaError(m.Name, fmt.Errorf("unsupported operator in %s", p))
	}
}

// mirrorOp returns the operator for the comparison with its operands
// swapped. String-match operators have no mirror.
func mirrorOp(op expr.CmpOp) (expr.CmpOp, bool) {
	switch op {
	case expr.OpEQ, expr.OpNEQ:
		return op, true
	case expr.OpGT:
		return expr.OpLT, true
	case expr.OpGTE:
		return expr.OpLTE, true
	case expr.OpLT:
		return expr.OpGT, true
	case expr.OpLTE:
		return expr.OpGTE, true
	default:
		return op, false
	}
}

// lowerRel translates a relation quantifier into an EXISTS subquery over
// the target table, with the target model's read pushdown conjoined so the
// quantifier ranges over policy-visible rows only.
func (c *Client) lowerRel(m *schema.Model, p *expr.Rel, id *identity.Identity) (lowered, error) {
	rel, ok := m.Relation(p.Relation)
	if !ok {
		return lowered{}, bastion.NewSchemaError(m.Name, fmt.Errorf("unknown relation %q", p.Relation))
	}
	target, _ := c.schema.Model(rel.Model)
	decision, err := c.policies.ReadPredicate(target.Name, id)
	if err != nil {
		return lowered{}, err
	}
	visible, err := c.lower(target, decision.Pushdown, id)
	if err != nil {
		return lowered{}, err
	}
	var inner lowered
	if p.Pred != nil {
		if inner, err = c.lower(target, expr.Bind(p.Pred, id), id); err != nil {
			return lowered{}, err
		}
	} else {
		inner = lowered{exact: true}
	}
	exact := decision.Exact && visible.exact && inner.exact
	corr := c.correlation(m, target, rel)
	switch p.Quant {
	case expr.QuantSome:
		// EXISTS over a widened membership stays a superset.
		sub := c.subquery(target, corr, visible.pred, inner.pred)
		return lowered{pred: sql.Exists(sub), exact: exact}, nil
	case expr.QuantNone:
		if !exact {
			return anything(), nil
		}
		sub := c.subquery(target, corr, visible.pred, inner.pred)
		return exactly(sql.NotExists(sub)), nil
	case expr.QuantEvery:
		if !exact {
			return anything(), nil
		}
		var counter *sql.Predicate
		if inner.pred != nil {
			counter = sql.Not(inner.pred)
		} else {
			counter = sql.False()
		}
		sub := c.subquery(target, corr, visible.pred, counter)
		return exactly(sql.NotExists(sub)), nil
	default:
		return lowered{}, bastion.NewSchemaError(m.Name, fmt.Errorf("unknown quantifier in %s", p))
	}
}

func (c *Client) subquery(target *schema.Model, corr *sql.Predicate, preds ...*sql.Predicate) *sql.Selector {
	where := []*sql.Predicate{corr}
	for _, p := range preds {
		if p != nil {
			where = append(where, p)
		}
	}
	return sql.Select().
		From(target.Table).
		SetDialect(c.drv.Dialect()).
		Where(sql.And(where...))
}

// correlation ties the subquery rows to the outer row.
func (c *Client) correlation(m, target *schema.Model, rel schema.Relation) *sql.Predicate {
	switch rel.Kind {
	case schema.BelongsTo:
		return sql.ColumnsEQ(
			target.Table+"."+referencedColumn(target, rel),
			m.Table+"."+rel.ForeignKey,
		)
	default:
		key := rel.References
		if key == "" {
			key = m.ID
		}
		return sql.ColumnsEQ(
			target.Table+"."+rel.ForeignKey,
			m.Table+"."+key,
		)
	}
}

// column resolves a term to a table-qualified column.
func (c *Client) column(m *schema.Model, t expr.Term) (string, error) {
	f, ok := t.(expr.Field)
	if !ok {
		return "", bastion.NewSchemaError(m.Name, fmt.Errorf("expected field operand, got %s", t))
	}
	col, ok := m.Column(f.Name)
	if !ok {
		return "", bastion.NewSchemaError(m.Name, fmt.Errorf("unknown field %q", f.Name))
	}
	return m.Table + "." + col, nil
}
