// Package expr defines the condition language policy rules are written in:
// a tagged expression tree of predicates over a row and the calling
// identity. Trees evaluate in memory on the mutation path and lower to SQL
// predicates on the query path once the identity terms are bound.
package expr

import (
	"fmt"
	"strings"
)

// A Term is a value-producing leaf: a row field, an identity claim, or a
// literal.
type Term interface {
	term()
	String() string
}

// Field references a field of the row under evaluation.
type Field struct {
	Name string
}

// F returns a field reference term.
func F(name string) Field { return Field{Name: name} }

func (Field) term() {}

// String returns the field name.
func (f Field) String() string { return f.Name }

// AuthRef references a claim of the calling identity. For an anonymous
// identity, or when the claim is absent, any predicate containing the
// reference does not match.
type AuthRef struct {
	Claim string
}

// Auth returns an identity-claim reference term.
func Auth(claim string) AuthRef { return AuthRef{Claim: claim} }

func (AuthRef) term() {}

// String returns the claim reference, e.g. "auth.sub".
func (a AuthRef) String() string { return "auth." + a.Claim }

// Value is a literal term.
type Value struct {
	V any
}

// V returns a literal term.
func V(v any) Value { return Value{V: v} }

func (Value) term() {}

// String returns the literal rendering.
func (v Value) String() string { return formatValue(v.V) }

// P is a predicate over (row, identity). The concrete types below form the
// full node set; consumers lowering trees switch over them.
type P interface {
	String() string
	Negate() P
}

// CmpOp is a comparison operator.
type CmpOp int

// Comparison operators.
const (
	OpEQ CmpOp = iota
	OpNEQ
	OpGT
	OpGTE
	OpLT
	OpLTE
	OpContains
	OpHasPrefix
	OpHasSuffix
)

var cmpOps = [...]string{"==", "!=", ">", ">=", "<", "<=", "contains", "has_prefix", "has_suffix"}

// String returns the operator symbol.
func (op CmpOp) String() string { return cmpOps[op] }

// Cmp is a binary comparison between two terms.
type Cmp struct {
	Op          CmpOp
	Left, Right Term
}

// String returns the predicate rendering.
func (p *Cmp) String() string {
	switch p.Op {
	case OpContains, OpHasPrefix, OpHasSuffix:
		return fmt.Sprintf("%s(%s, %s)", p.Op, p.Left, p.Right)
	default:
		return fmt.Sprintf("%s %s %s", p.Left, p.Op, p.Right)
	}
}

// Negate returns the negated predicate.
func (p *Cmp) Negate() P { return Not(p) }

// In reports whether the left term's value is a member of the literal list.
type In struct {
	Left   Term
	Values []any
	Not    bool
}

// String returns the predicate rendering.
func (p *In) String() string {
	vs := make([]string, len(p.Values))
	for i := range p.Values {
		vs[i] = formatValue(p.Values[i])
	}
	op := "in"
	if p.Not {
		op = "not in"
	}
	return fmt.Sprintf("%s %s [%s]", p.Left, op, strings.Join(vs, ","))
}

// Negate returns the negated predicate.
func (p *In) Negate() P { return &In{Left: p.Left, Values: p.Values, Not: !p.Not} }

// Nil reports whether the left term's value is nil (or the field absent).
type Nil struct {
	Left Term
	Not  bool
}

// String returns the predicate rendering.
func (p *Nil) String() string {
	if p.Not {
		return fmt.Sprintf("%s != nil", p.Left)
	}
	return fmt.Sprintf("%s == nil", p.Left)
}

// Negate returns the negated predicate.
func (p *Nil) Negate() P { return &Nil{Left: p.Left, Not: !p.Not} }

// AndP is the conjunction of its children.
type AndP struct {
	Xs []P
}

// String returns the predicate rendering.
func (p *AndP) String() string { return joinChildren(p.Xs, " && ") }

// Negate returns the negated predicate.
func (p *AndP) Negate() P { return Not(p) }

// OrP is the disjunction of its children.
type OrP struct {
	Xs []P
}

// String returns the predicate rendering.
func (p *OrP) String() string { return joinChildren(p.Xs, " || ") }

// Negate returns the negated predicate.
func (p *OrP) Negate() P { return Not(p) }

// NotP negates its child.
type NotP struct {
	X P
}

// String returns the predicate rendering.
func (p *NotP) String() string { return fmt.Sprintf("!(%s)", p.X) }

// Negate returns the child predicate.
func (p *NotP) Negate() P { return p.X }

// Bool is a constant predicate.
type Bool struct {
	V bool
}

// String returns "true" or "false".
func (p *Bool) String() string { return fmt.Sprint(p.V) }

// Negate returns the negated constant.
func (p *Bool) Negate() P { return &Bool{V: !p.V} }

// Role matches when the calling identity carries the given role.
type Role struct {
	Name string
}

// String returns the predicate rendering.
func (p *Role) String() string { return fmt.Sprintf("has_role(%q)", p.Name) }

// Negate returns the negated predicate.
func (p *Role) Negate() P { return Not(p) }

// AuthPresentP matches when the call is authenticated (Not inverted:
// matches anonymous callers).
type AuthPresentP struct {
	Not bool
}

// String returns the predicate rendering.
func (p *AuthPresentP) String() string {
	if p.Not {
		return "auth == nil"
	}
	return "auth != nil"
}

// Negate returns the negated predicate.
func (p *AuthPresentP) Negate() P { return &AuthPresentP{Not: !p.Not} }

// Quant is a relation quantifier.
type Quant int

// Relation quantifiers.
const (
	// QuantSome matches when at least one related row satisfies the
	// subpredicate.
	QuantSome Quant = iota
	// QuantEvery matches when all related rows satisfy the subpredicate
	// (vacuously true with no related rows).
	QuantEvery
	// QuantNone matches when no related row satisfies the subpredicate.
	QuantNone
)

var quantNames = [...]string{"some", "every", "none"}

// String returns the quantifier name.
func (q Quant) String() string { return quantNames[q] }

// Rel quantifies a subpredicate over the rows of a named relation. The
// gateway conjoins the related model's own read rules into Pred before
// evaluation, so rows reachable only through unauthorized related rows
// never match.
type Rel struct {
	Quant    Quant
	Relation string
	Pred     P // nil means "any related row"
}

// String returns the predicate rendering.
func (p *Rel) String() string {
	if p.Pred == nil {
		return fmt.Sprintf("%s(%s)", p.Quant, p.Relation)
	}
	return fmt.Sprintf("%s(%s, %s)", p.Quant, p.Relation, p.Pred)
}

// Negate returns the negated predicate.
func (p *Rel) Negate() P { return Not(p) }

// EQ returns a predicate comparing two terms for equality.
func EQ(left, right Term) P { return &Cmp{Op: OpEQ, Left: left, Right: right} }

// NEQ returns a predicate comparing two terms for inequality.
func NEQ(left, right Term) P { return &Cmp{Op: OpNEQ, Left: left, Right: right} }

// GT returns a "greater than" predicate over two terms.
func GT(left, right Term) P { return &Cmp{Op: OpGT, Left: left, Right: right} }

// GTE returns a "greater than or equal" predicate over two terms.
func GTE(left, right Term) P { return &Cmp{Op: OpGTE, Left: left, Right: right} }

// LT returns a "less than" predicate over two terms.
func LT(left, right Term) P { return &Cmp{Op: OpLT, Left: left, Right: right} }

// LTE returns a "less than or equal" predicate over two terms.
func LTE(left, right Term) P { return &Cmp{Op: OpLTE, Left: left, Right: right} }

// FieldEQ returns a predicate that checks if the field equals the value.
func FieldEQ(name string, v any) P { return EQ(F(name), V(v)) }

// FieldNEQ returns a predicate that checks if the field does not equal the value.
func FieldNEQ(name string, v any) P { return NEQ(F(name), V(v)) }

// FieldGT returns a predicate that checks if the field is greater than the value.
func FieldGT(name string, v any) P { return GT(F(name), V(v)) }

// FieldGTE returns a predicate that checks if the field is greater than or equal to the value.
func FieldGTE(name string, v any) P { return GTE(F(name), V(v)) }

// FieldLT returns a predicate that checks if the field is less than the value.
func FieldLT(name string, v any) P { return LT(F(name), V(v)) }

// FieldLTE returns a predicate that checks if the field is less than or equal to the value.
func FieldLTE(name string, v any) P { return LTE(F(name), V(v)) }

// FieldContains returns a predicate that checks if the field contains the substring.
func FieldContains(name, substr string) P {
	return &Cmp{Op: OpContains, Left: F(name), Right: V(substr)}
}

// FieldHasPrefix returns a predicate that checks if the field starts with the prefix.
func FieldHasPrefix(name, prefix string) P {
	return &Cmp{Op: OpHasPrefix, Left: F(name), Right: V(prefix)}
}

// FieldHasSuffix returns a predicate that checks if the field ends with the suffix.
func FieldHasSuffix(name, suffix string) P {
	return &Cmp{Op: OpHasSuffix, Left: F(name), Right: V(suffix)}
}

// FieldIn returns a predicate that checks if the field value is in the list.
func FieldIn(name string, vs ...any) P { return &In{Left: F(name), Values: vs} }

// FieldNotIn returns a predicate that checks if the field value is not in the list.
func FieldNotIn(name string, vs ...any) P { return &In{Left: F(name), Values: vs, Not: true} }

// FieldNil returns a predicate that checks if the field is nil or absent.
func FieldNil(name string) P { return &Nil{Left: F(name)} }

// FieldNotNil returns a predicate that checks if the field is present and non-nil.
func FieldNotNil(name string) P { return &Nil{Left: F(name), Not: true} }

// And returns the conjunction of the given predicates.
func And(ps ...P) P {
	if len(ps) == 1 {
		return ps[0]
	}
	return &AndP{Xs: ps}
}

// Or returns the disjunction of the given predicates.
func Or(ps ...P) P {
	if len(ps) == 1 {
		return ps[0]
	}
	return &OrP{Xs: ps}
}

// Not returns the negation of the given predicate.
func Not(p P) P { return &NotP{X: p} }

// True returns a predicate that always matches.
func True() P { return &Bool{V: true} }

// False returns a predicate that never matches.
func False() P { return &Bool{V: false} }

// HasRole returns a predicate matching identities carrying the given role.
func HasRole(role string) P { return &Role{Name: role} }

// AuthPresent returns a predicate matching authenticated callers.
func AuthPresent() P { return &AuthPresentP{} }

// AuthAbsent returns a predicate matching anonymous callers.
func AuthAbsent() P { return &AuthPresentP{Not: true} }

// Some returns a predicate matching rows with at least one related row
// satisfying p. A nil p matches any related row.
func Some(relation string, p P) P { return &Rel{Quant: QuantSome, Relation: relation, Pred: p} }

// Every returns a predicate matching rows whose related rows all satisfy p.
func Every(relation string, p P) P { return &Rel{Quant: QuantEvery, Relation: relation, Pred: p} }

// None returns a predicate matching rows with no related row satisfying p.
func None(relation string, p P) P { return &Rel{Quant: QuantNone, Relation: relation, Pred: p} }

func joinChildren(ps []P, sep string) string {
	parts := make([]string, len(ps))
	for i := range ps {
		s := ps[i].String()
		// Parenthesize mixed boolean nesting to keep rendering unambiguous.
		switch ps[i].(type) {
		case *AndP, *OrP:
			s = "(" + s + ")"
		}
		parts[i] = s
	}
	return strings.Join(parts, sep)
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "nil"
	case string:
		return fmt.Sprintf("%q", v)
	case fmt.Stringer:
		return fmt.Sprintf("%q", v.String())
	default:
		return fmt.Sprint(v)
	}
}
