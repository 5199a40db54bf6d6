// Package policy compiles a schema's rule sets into evaluable per-model
// policies. Evaluation is deny-overrides-allow with a default deny: an
// operation is permitted only when no deny rule matches and at least one
// allow rule does.
package policy

import (
	"context"
	"fmt"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/expr"
	"github.com/syssam/bastion/identity"
	"github.com/syssam/bastion/schema"
)

// Policies is the compiled rule set of a schema.
type Policies struct {
	schema  *schema.Schema
	byModel map[string]*Policy
}

// Policy is the compiled rule set of one model.
type Policy struct {
	model  *schema.Model
	allows []schema.Rule
	denies []schema.Rule
}

// Compile splits each model's rules by effect. The schema is assumed
// validated by schema.New.
func Compile(s *schema.Schema) *Policies {
	p := &Policies{schema: s, byModel: make(map[string]*Policy)}
	for _, m := range s.Models() {
		mp := &Policy{model: m}
		for _, r := range m.Rules {
			if r.Effect == bastion.Deny {
				mp.denies = append(mp.denies, r)
			} else {
				mp.allows = append(mp.allows, r)
			}
		}
		p.byModel[m.Name] = mp
	}
	return p
}

// Schema returns the schema the policies were compiled from.
func (p *Policies) Schema() *schema.Schema { return p.schema }

// ForModel returns the named model's policy.
func (p *Policies) ForModel(name string) (*Policy, bool) {
	mp, ok := p.byModel[name]
	return mp, ok
}

// Model returns the model the policy belongs to.
func (mp *Policy) Model() *schema.Model { return mp.model }

// EvalMutation decides whether the identity may perform op on the given
// row. For create the row is the proposed row; for update and delete it is
// an existing candidate row. A DeniedError reports the decision; any other
// error is an evaluation failure.
func (p *Policies) EvalMutation(ctx context.Context, model string, op bastion.Op, row bastion.Row, id *identity.Identity, ld expr.Loader) error {
	mp, ok := p.byModel[model]
	if !ok {
		return bastion.NewSchemaError(model, fmt.Errorf("unknown model"))
	}
	for _, r := range mp.denies {
		if !r.Ops.Is(op) {
			continue
		}
		match, err := matches(ctx, r.Cond, row, id, ld)
		if err != nil {
			return err
		}
		if match {
			return bastion.NewDeniedError(model, op, r.Name)
		}
	}
	for _, r := range mp.allows {
		if !r.Ops.Is(op) {
			continue
		}
		match, err := matches(ctx, r.Cond, row, id, ld)
		if err != nil {
			return err
		}
		if match {
			return nil
		}
	}
	return bastion.NewDeniedError(model, op, "")
}

// CheckFields decides whether the identity may set the named fields on an
// update of the given row. A field with no field rules is unrestricted
// beyond the model's update rules. Otherwise no deny rule may match and,
// when allow rules exist for the field, at least one must match.
func (p *Policies) CheckFields(ctx context.Context, model string, row bastion.Row, fields []string, id *identity.Identity, ld expr.Loader) error {
	mp, ok := p.byModel[model]
	if !ok {
		return bastion.NewSchemaError(model, fmt.Errorf("unknown model"))
	}
	for _, field := range fields {
		if err := mp.checkField(ctx, field, row, id, ld); err != nil {
			return err
		}
	}
	return nil
}

func (mp *Policy) checkField(ctx context.Context, field string, row bastion.Row, id *identity.Identity, ld expr.Loader) error {
	var hasRules, allowed, hasAllow bool
	for _, fr := range mp.model.FieldRules {
		if fr.Field != field {
			continue
		}
		hasRules = true
		match, err := matches(ctx, fr.Cond, row, id, ld)
		if err != nil {
			return err
		}
		if fr.Effect == bastion.Deny {
			if match {
				return bastion.NewFieldDeniedError(mp.model.Name, field)
			}
			continue
		}
		hasAllow = true
		if match {
			allowed = true
		}
	}
	if hasRules && hasAllow && !allowed {
		return bastion.NewFieldDeniedError(mp.model.Name, field)
	}
	return nil
}

// ReadDecision is a model read policy bound to one identity. Pushdown is a
// superset filter safe to conjoin into the SQL query; when Exact is false
// fetched rows must additionally pass Check before they are returned.
type ReadDecision struct {
	Pushdown expr.P
	Exact    bool

	allows []expr.P
	denies []expr.P
}

// ReadPredicate binds the model's read rules to the identity. Opaque allow
// conditions widen the pushdown to the full table (their rows cannot be
// selected in SQL); opaque deny conditions move to the residual check. In
// both cases Exact is false and the gateway filters in memory.
func (p *Policies) ReadPredicate(model string, id *identity.Identity) (*ReadDecision, error) {
	mp, ok := p.byModel[model]
	if !ok {
		return nil, bastion.NewSchemaError(model, fmt.Errorf("unknown model"))
	}
	d := &ReadDecision{Exact: true}
	var pushAllows, pushDenies []expr.P
	opaqueAllow := false
	for _, r := range mp.allows {
		if !r.Ops.Is(bastion.OpRead) {
			continue
		}
		cond := bindCond(r.Cond, id)
		d.allows = append(d.allows, cond)
		if expr.IsPure(cond) {
			pushAllows = append(pushAllows, cond)
		} else {
			opaqueAllow = true
		}
	}
	for _, r := range mp.denies {
		if !r.Ops.Is(bastion.OpRead) {
			continue
		}
		cond := bindCond(r.Cond, id)
		d.denies = append(d.denies, cond)
		if expr.IsPure(cond) {
			pushDenies = append(pushDenies, cond)
		} else {
			d.Exact = false
		}
	}
	allowPart := expr.False()
	switch {
	case opaqueAllow:
		allowPart = expr.True()
		d.Exact = false
	case len(pushAllows) > 0:
		allowPart = expr.Or(pushAllows...)
	}
	pushdown := allowPart
	if len(pushDenies) > 0 {
		pushdown = expr.And(allowPart, expr.Not(expr.Or(pushDenies...)))
	}
	// Rebinding folds constants introduced by the composition.
	d.Pushdown = expr.Bind(pushdown, id)
	return d, nil
}

// Check re-evaluates the full decision against a fetched row. It is the
// residual filter for inexact pushdowns; rows that fail are silently
// omitted from read results.
func (d *ReadDecision) Check(ctx context.Context, row bastion.Row, id *identity.Identity, ld expr.Loader) (bool, error) {
	for _, deny := range d.denies {
		match, err := expr.Eval(ctx, deny, row, id, ld)
		if err != nil {
			return false, err
		}
		if match {
			return false, nil
		}
	}
	for _, allow := range d.allows {
		match, err := expr.Eval(ctx, allow, row, id, ld)
		if err != nil {
			return false, err
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// matches evaluates a rule condition; a nil condition matches every row.
func matches(ctx context.Context, cond expr.P, row bastion.Row, id *identity.Identity, ld expr.Loader) (bool, error) {
	if cond == nil {
		return true, nil
	}
	return expr.Eval(ctx, cond, row, id, ld)
}

func bindCond(cond expr.P, id *identity.Identity) expr.P {
	if cond == nil {
		return expr.True()
	}
	return expr.Bind(cond, id)
}
