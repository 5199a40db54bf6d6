package schema

import (
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/expr"
)

// Document is the YAML form of a schema. Conditions use a structured
// encoding with exactly one operator key per node, e.g.
//
//	rules:
//	  - name: owner-all
//	    effect: allow
//	    operations: [all]
//	    condition:
//	      eq: {field: owner_id, auth: sub}
//	  - name: public-read
//	    effect: allow
//	    operations: [read]
//	    condition:
//	      and:
//	        - eq: {field: published, value: true}
//	        - none: {relation: flags, where: {eq: {field: upheld, value: true}}}
type Document struct {
	Models []ModelDoc `yaml:"models" validate:"required,min=1,dive"`
}

// ModelDoc is the YAML form of a model.
type ModelDoc struct {
	Name       string         `yaml:"name" validate:"required"`
	Table      string         `yaml:"table"`
	ID         string         `yaml:"id"`
	Fields     []FieldDoc     `yaml:"fields" validate:"dive"`
	Relations  []RelationDoc  `yaml:"relations" validate:"dive"`
	Rules      []RuleDoc      `yaml:"rules" validate:"dive"`
	FieldRules []FieldRuleDoc `yaml:"field_rules" validate:"dive"`
}

// FieldDoc is the YAML form of a field.
type FieldDoc struct {
	Name     string `yaml:"name" validate:"required"`
	Type     string `yaml:"type" validate:"required,oneof=string int float bool time uuid json bytes"`
	Column   string `yaml:"column"`
	Nullable bool   `yaml:"nullable"`
}

// RelationDoc is the YAML form of a relation.
type RelationDoc struct {
	Name       string `yaml:"name" validate:"required"`
	Model      string `yaml:"model" validate:"required"`
	Kind       string `yaml:"kind" validate:"required,oneof=has_many belongs_to"`
	ForeignKey string `yaml:"foreign_key" validate:"required"`
	References string `yaml:"references"`
}

// RuleDoc is the YAML form of a model rule.
type RuleDoc struct {
	Name       string   `yaml:"name" validate:"required"`
	Effect     string   `yaml:"effect" validate:"required,oneof=allow deny"`
	Operations []string `yaml:"operations" validate:"required,min=1,dive,oneof=create read update delete all"`
	Condition  *CondDoc `yaml:"condition"`
}

// FieldRuleDoc is the YAML form of a field-level rule.
type FieldRuleDoc struct {
	Name      string   `yaml:"name" validate:"required"`
	Field     string   `yaml:"field" validate:"required"`
	Effect    string   `yaml:"effect" validate:"required,oneof=allow deny"`
	Condition *CondDoc `yaml:"condition"`
}

// CondDoc is one condition node. Exactly one operator key must be set.
type CondDoc struct {
	And []CondDoc `yaml:"and"`
	Or  []CondDoc `yaml:"or"`
	Not *CondDoc  `yaml:"not"`

	EQ  *CmpDoc `yaml:"eq"`
	NEQ *CmpDoc `yaml:"neq"`
	GT  *CmpDoc `yaml:"gt"`
	GTE *CmpDoc `yaml:"gte"`
	LT  *CmpDoc `yaml:"lt"`
	LTE *CmpDoc `yaml:"lte"`

	In    *ListDoc `yaml:"in"`
	NotIn *ListDoc `yaml:"not_in"`

	Nil    string `yaml:"nil"`     // field name
	NotNil string `yaml:"not_nil"` // field name

	Role          string `yaml:"role"`
	Authenticated *bool  `yaml:"authenticated"`

	Some  *QuantDoc `yaml:"some"`
	Every *QuantDoc `yaml:"every"`
	None  *QuantDoc `yaml:"none"`

	CEL string `yaml:"cel"`
}

// CmpDoc is a comparison operand pair: the left side is always a field;
// the right side is exactly one of a literal value, an identity claim, or
// another field.
type CmpDoc struct {
	Field string `yaml:"field" validate:"required"`
	Value any    `yaml:"value"`
	Auth  string `yaml:"auth"`
	Other string `yaml:"other_field"`
}

// ListDoc is a membership test.
type ListDoc struct {
	Field  string `yaml:"field" validate:"required"`
	Values []any  `yaml:"values" validate:"required,min=1"`
}

// QuantDoc is a relation quantifier.
type QuantDoc struct {
	Relation string   `yaml:"relation" validate:"required"`
	Where    *CondDoc `yaml:"where"`
}

// Load reads a YAML schema document and compiles it.
func Load(r io.Reader) (*Schema, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, bastion.NewSchemaError("", fmt.Errorf("decode: %w", err))
	}
	if err := validator.New().Struct(doc); err != nil {
		return nil, bastion.NewSchemaError("", fmt.Errorf("invalid document: %w", err))
	}
	models := make([]*Model, 0, len(doc.Models))
	for i := range doc.Models {
		m, err := doc.Models[i].build()
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return New(models...)
}

// LoadFile reads and compiles the YAML schema at the given path.
func LoadFile(path string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

func (d *ModelDoc) build() (*Model, error) {
	m := NewModel(d.Name).StorageTable(d.Table)
	if d.ID != "" {
		m.Key(d.ID)
	}
	for _, f := range d.Fields {
		ft, err := parseFieldType(f.Type)
		if err != nil {
			return nil, bastion.NewSchemaError(d.Name, err)
		}
		field := Field{Name: f.Name, Type: ft, Column: f.Column, Nullable: f.Nullable}
		m.AddFields(field)
	}
	for _, r := range d.Relations {
		rel := Relation{Name: r.Name, Model: r.Model, ForeignKey: r.ForeignKey, References: r.References}
		if r.Kind == "belongs_to" {
			rel.Kind = BelongsTo
		}
		m.Relations = append(m.Relations, rel)
	}
	for _, r := range d.Rules {
		ops, err := parseOps(r.Operations)
		if err != nil {
			return nil, bastion.NewSchemaError(d.Name, fmt.Errorf("rule %q: %w", r.Name, err))
		}
		var cond expr.P
		if r.Condition != nil {
			if cond, err = r.Condition.build(); err != nil {
				return nil, bastion.NewSchemaError(d.Name, fmt.Errorf("rule %q: %w", r.Name, err))
			}
		}
		rule := Rule{Name: r.Name, Ops: ops, Cond: cond}
		if r.Effect == "deny" {
			rule.Effect = bastion.Deny
		}
		m.Rules = append(m.Rules, rule)
	}
	for _, fr := range d.FieldRules {
		var cond expr.P
		if fr.Condition != nil {
			var err error
			if cond, err = fr.Condition.build(); err != nil {
				return nil, bastion.NewSchemaError(d.Name, fmt.Errorf("field rule %q: %w", fr.Name, err))
			}
		}
		rule := FieldRule{Name: fr.Name, Field: fr.Field, Cond: cond}
		if fr.Effect == "deny" {
			rule.Effect = bastion.Deny
		}
		m.FieldRules = append(m.FieldRules, rule)
	}
	return m, nil
}

func parseFieldType(s string) (FieldType, error) {
	for i, name := range typeNames {
		if name == s {
			return FieldType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown field type %q", s)
}

func parseOps(names []string) (bastion.Op, error) {
	var ops bastion.Op
	for _, name := range names {
		op, ok := bastion.ParseOp(name)
		if !ok {
			return 0, fmt.Errorf("unknown operation %q", name)
		}
		ops |= op
	}
	return ops, nil
}

// build converts a condition node into a predicate tree.
func (c *CondDoc) build() (expr.P, error) {
	var built []expr.P
	add := func(p expr.P, err error) error {
		if err != nil {
			return err
		}
		built = append(built, p)
		return nil
	}
	if len(c.And) > 0 {
		if err := add(buildChildren(c.And, expr.And)); err != nil {
			return nil, err
		}
	}
	if len(c.Or) > 0 {
		if err := add(buildChildren(c.Or, expr.Or)); err != nil {
			return nil, err
		}
	}
	if c.Not != nil {
		p, err := c.Not.build()
		if err != nil {
			return nil, err
		}
		built = append(built, expr.Not(p))
	}
	for _, cmp := range []struct {
		doc *CmpDoc
		op  expr.CmpOp
	}{
		{c.EQ, expr.OpEQ}, {c.NEQ, expr.OpNEQ},
		{c.GT, expr.OpGT}, {c.GTE, expr.OpGTE},
		{c.LT, expr.OpLT}, {c.LTE, expr.OpLTE},
	} {
		if cmp.doc == nil {
			continue
		}
		right, err := cmp.doc.right()
		if err != nil {
			return nil, err
		}
		built = append(built, &expr.Cmp{Op: cmp.op, Left: expr.F(cmp.doc.Field), Right: right})
	}
	if c.In != nil {
		built = append(built, expr.FieldIn(c.In.Field, c.In.Values...))
	}
	if c.NotIn != nil {
		built = append(built, expr.FieldNotIn(c.NotIn.Field, c.NotIn.Values...))
	}
	if c.Nil != "" {
		built = append(built, expr.FieldNil(c.Nil))
	}
	if c.NotNil != "" {
		built = append(built, expr.FieldNotNil(c.NotNil))
	}
	if c.Role != "" {
		built = append(built, expr.HasRole(c.Role))
	}
	if c.Authenticated != nil {
		if *c.Authenticated {
			built = append(built, expr.AuthPresent())
		} else {
			built = append(built, expr.AuthAbsent())
		}
	}
	for _, q := range []struct {
		doc   *QuantDoc
		quant func(string, expr.P) expr.P
	}{
		{c.Some, expr.Some}, {c.Every, expr.Every}, {c.None, expr.None},
	} {
		if q.doc == nil {
			continue
		}
		var where expr.P
		if q.doc.Where != nil {
			var err error
			if where, err = q.doc.Where.build(); err != nil {
				return nil, err
			}
		}
		built = append(built, q.quant(q.doc.Relation, where))
	}
	if c.CEL != "" {
		built = append(built, expr.CEL(c.CEL))
	}
	switch len(built) {
	case 0:
		return nil, fmt.Errorf("condition node with no operator")
	case 1:
		return built[0], nil
	default:
		return nil, fmt.Errorf("condition node with %d operators, expected exactly one", len(built))
	}
}

func buildChildren(docs []CondDoc, combine func(...expr.P) expr.P) (expr.P, error) {
	ps := make([]expr.P, 0, len(docs))
	for i := range docs {
		p, err := docs[i].build()
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return combine(ps...), nil
}

// right resolves the right operand: exactly one of value, auth or
// other_field must be set.
func (d *CmpDoc) right() (expr.Term, error) {
	set := 0
	if d.Value != nil {
		set++
	}
	if d.Auth != "" {
		set++
	}
	if d.Other != "" {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("comparison on %q needs exactly one of value, auth or other_field", d.Field)
	}
	switch {
	case d.Auth != "":
		return expr.Auth(d.Auth), nil
	case d.Other != "":
		return expr.F(d.Other), nil
	default:
		return expr.V(d.Value), nil
	}
}
