package expr

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/identity"
)

// Loader loads the rows related to a row through a named relation. The
// gateway supplies a loader bound to the evaluated model; tests may use
// in-memory implementations.
type Loader interface {
	Related(ctx context.Context, relation string, row bastion.Row) ([]bastion.Row, error)
}

// LoaderFunc is an adapter which allows the use of ordinary functions as
// relation loaders.
type LoaderFunc func(ctx context.Context, relation string, row bastion.Row) ([]bastion.Row, error)

// Related returns f(ctx, relation, row).
func (f LoaderFunc) Related(ctx context.Context, relation string, row bastion.Row) ([]bastion.Row, error) {
	return f(ctx, relation, row)
}

// Evaluator is implemented by opaque predicates that carry their own
// evaluation logic (e.g. CEL conditions). Opaque predicates cannot be
// lowered to SQL; the gateway applies them in memory.
type Evaluator interface {
	P
	Eval(ctx context.Context, row bastion.Row, id *identity.Identity) (bool, error)
}

// Eval evaluates a predicate against a row and the calling identity.
//
// A comparison whose identity claim is absent (or whose field is missing
// from the row) does not match; composition proceeds normally, so negating
// such a comparison matches. This is what makes auth-dependent allow rules
// inert for anonymous callers while keeping deny rules conservative.
func Eval(ctx context.Context, p P, row bastion.Row, id *identity.Identity, ld Loader) (bool, error) {
	switch p := p.(type) {
	case Evaluator:
		return p.Eval(ctx, row, id)
	case *Bool:
		return p.V, nil
	case *Cmp:
		left, ok := resolve(p.Left, row, id)
		if !ok {
			return false, nil
		}
		right, ok := resolve(p.Right, row, id)
		if !ok {
			return false, nil
		}
		return compare(p.Op, left, right), nil
	case *In:
		left, ok := resolve(p.Left, row, id)
		if !ok {
			return false, nil
		}
		for _, v := range p.Values {
			if compare(OpEQ, left, v) {
				return !p.Not, nil
			}
		}
		return p.Not, nil
	case *Nil:
		v, ok := resolve(p.Left, row, id)
		isNil := !ok || v == nil
		return isNil != p.Not, nil
	case *AndP:
		for _, x := range p.Xs {
			ok, err := Eval(ctx, x, row, id, ld)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case *OrP:
		for _, x := range p.Xs {
			ok, err := Eval(ctx, x, row, id, ld)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case *NotP:
		ok, err := Eval(ctx, p.X, row, id, ld)
		return !ok && err == nil, err
	case *Role:
		return id.HasRole(p.Name), nil
	case *AuthPresentP:
		return id.IsAnonymous() == p.Not, nil
	case *Rel:
		return evalRel(ctx, p, row, id, ld)
	default:
		return false, fmt.Errorf("expr: unknown predicate type %T", p)
	}
}

func evalRel(ctx context.Context, p *Rel, row bastion.Row, id *identity.Identity, ld Loader) (bool, error) {
	if ld == nil {
		return false, fmt.Errorf("expr: %s(%s) requires a relation loader", p.Quant, p.Relation)
	}
	related, err := ld.Related(ctx, p.Relation, row)
	if err != nil {
		return false, err
	}
	matched := 0
	for _, r := range related {
		ok := true
		if p.Pred != nil {
			if ok, err = Eval(ctx, p.Pred, r, id, ld); err != nil {
				return false, err
			}
		}
		if ok {
			matched++
		}
	}
	switch p.Quant {
	case QuantSome:
		return matched > 0, nil
	case QuantEvery:
		return matched == len(related), nil
	default: // QuantNone
		return matched == 0, nil
	}
}

// resolve returns a term's value. The second return value is false when an
// identity claim is absent or a field is missing from the row.
func resolve(t Term, row bastion.Row, id *identity.Identity) (any, bool) {
	switch t := t.(type) {
	case Field:
		v, ok := row[t.Name]
		return v, ok
	case AuthRef:
		return id.Claim(t.Claim)
	case Value:
		return t.V, true
	default:
		return nil, false
	}
}

// compare applies a comparison operator to two resolved values. Values of
// incomparable types never match.
func compare(op CmpOp, left, right any) bool {
	switch op {
	case OpContains, OpHasPrefix, OpHasSuffix:
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return false
		}
		switch op {
		case OpContains:
			return strings.Contains(ls, rs)
		case OpHasPrefix:
			return strings.HasPrefix(ls, rs)
		default:
			return strings.HasSuffix(ls, rs)
		}
	}
	if c, ok := order(left, right); ok {
		switch op {
		case OpEQ:
			return c == 0
		case OpNEQ:
			return c != 0
		case OpGT:
			return c > 0
		case OpGTE:
			return c >= 0
		case OpLT:
			return c < 0
		case OpLTE:
			return c <= 0
		}
	}
	// Unordered types still support equality.
	switch op {
	case OpEQ:
		return reflect.DeepEqual(left, right)
	case OpNEQ:
		return !reflect.DeepEqual(left, right)
	}
	return false
}

// order compares two values of compatible scalar types, returning -1, 0 or 1.
func order(left, right any) (int, bool) {
	if lf, lok := toFloat(left); lok {
		rf, rok := toFloat(right)
		if !rok {
			return 0, false
		}
		switch {
		case lf < rf:
			return -1, true
		case lf > rf:
			return 1, true
		}
		return 0, true
	}
	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(l, r), true
	case time.Time:
		r, ok := right.(time.Time)
		if !ok {
			return 0, false
		}
		return l.Compare(r), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
