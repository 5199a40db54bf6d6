package expr

import (
	"github.com/syssam/bastion/identity"
)

// Bind resolves every identity-dependent node of p against the given
// identity, returning a pure row predicate suitable for SQL pushdown.
// Comparisons referencing an absent claim fold to a non-match, so an
// auth-dependent allow rule contributes nothing for an anonymous caller.
// Boolean constants are folded away where possible.
func Bind(p P, id *identity.Identity) P {
	switch p := p.(type) {
	case Evaluator:
		// Opaque predicates carry their own evaluation and stay as-is;
		// the policy layer keeps them out of pushdown trees.
		return p
	case *Bool:
		return p
	case *Cmp:
		left, lok := bindTerm(p.Left, id)
		right, rok := bindTerm(p.Right, id)
		if !lok || !rok {
			return False()
		}
		return &Cmp{Op: p.Op, Left: left, Right: right}
	case *In:
		left, ok := bindTerm(p.Left, id)
		if !ok {
			return False()
		}
		return &In{Left: left, Values: p.Values, Not: p.Not}
	case *Nil:
		if a, ok := p.Left.(AuthRef); ok {
			v, present := id.Claim(a.Claim)
			isNil := !present || v == nil
			return &Bool{V: isNil != p.Not}
		}
		return p
	case *AndP:
		xs := make([]P, 0, len(p.Xs))
		for _, x := range p.Xs {
			b := Bind(x, id)
			if c, ok := b.(*Bool); ok {
				if !c.V {
					return False()
				}
				continue
			}
			xs = append(xs, b)
		}
		if len(xs) == 0 {
			return True()
		}
		return And(xs...)
	case *OrP:
		xs := make([]P, 0, len(p.Xs))
		for _, x := range p.Xs {
			b := Bind(x, id)
			if c, ok := b.(*Bool); ok {
				if c.V {
					return True()
				}
				continue
			}
			xs = append(xs, b)
		}
		if len(xs) == 0 {
			return False()
		}
		return Or(xs...)
	case *NotP:
		b := Bind(p.X, id)
		if c, ok := b.(*Bool); ok {
			return &Bool{V: !c.V}
		}
		return Not(b)
	case *Role:
		return &Bool{V: id.HasRole(p.Name)}
	case *AuthPresentP:
		return &Bool{V: id.IsAnonymous() == p.Not}
	case *Rel:
		r := &Rel{Quant: p.Quant, Relation: p.Relation}
		if p.Pred != nil {
			r.Pred = Bind(p.Pred, id)
		}
		return r
	default:
		return p
	}
}

// bindTerm replaces an identity-claim reference with its literal value.
// The second return value is false when the claim is absent.
func bindTerm(t Term, id *identity.Identity) (Term, bool) {
	a, ok := t.(AuthRef)
	if !ok {
		return t, true
	}
	v, present := id.Claim(a.Claim)
	if !present {
		return nil, false
	}
	return V(v), true
}

// IsPure reports whether p contains no opaque (self-evaluating) predicates,
// i.e. whether the whole tree can be lowered to SQL.
func IsPure(p P) bool {
	switch p := p.(type) {
	case Evaluator:
		return false
	case *AndP:
		for _, x := range p.Xs {
			if !IsPure(x) {
				return false
			}
		}
	case *OrP:
		for _, x := range p.Xs {
			if !IsPure(x) {
				return false
			}
		}
	case *NotP:
		return IsPure(p.X)
	case *Rel:
		if p.Pred != nil {
			return IsPure(p.Pred)
		}
	}
	return true
}

// Relations returns the names of relations referenced anywhere in p.
func Relations(p P) []string {
	var rels []string
	var walk func(P)
	walk = func(p P) {
		switch p := p.(type) {
		case *AndP:
			for _, x := range p.Xs {
				walk(x)
			}
		case *OrP:
			for _, x := range p.Xs {
				walk(x)
			}
		case *NotP:
			walk(p.X)
		case *Rel:
			rels = append(rels, p.Relation)
			if p.Pred != nil {
				walk(p.Pred)
			}
		}
	}
	walk(p)
	return rels
}

// Fields returns the names of row fields referenced by comparisons
// anywhere in p, excluding fields of related rows.
func Fields(p P) []string {
	var fields []string
	seen := make(map[string]struct{})
	add := func(t Term) {
		if f, ok := t.(Field); ok {
			if _, dup := seen[f.Name]; !dup {
				seen[f.Name] = struct{}{}
				fields = append(fields, f.Name)
			}
		}
	}
	var walk func(P)
	walk = func(p P) {
		switch p := p.(type) {
		case *Cmp:
			add(p.Left)
			add(p.Right)
		case *In:
			add(p.Left)
		case *Nil:
			add(p.Left)
		case *AndP:
			for _, x := range p.Xs {
				walk(x)
			}
		case *OrP:
			for _, x := range p.Xs {
				walk(x)
			}
		case *NotP:
			walk(p.X)
		}
	}
	walk(p)
	return fields
}
