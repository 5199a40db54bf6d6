// Package schema defines the compiled model schema the gateway enforces:
// models with fields and relations, and the allow/deny rule set attached to
// each model and optionally to individual fields. Schemas are built once at
// startup — via the fluent builders or the YAML loader — validated by New,
// and read-only afterwards.
package schema

import (
	"fmt"

	"github.com/go-openapi/inflect"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/expr"
)

// FieldType enumerates the supported field value types.
type FieldType int

// Field value types.
const (
	TypeString FieldType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeTime
	TypeUUID
	TypeJSON
	TypeBytes
)

var typeNames = [...]string{"string", "int", "float", "bool", "time", "uuid", "json", "bytes"}

// String returns the type name.
func (t FieldType) String() string { return typeNames[t] }

// Field describes a model attribute.
type Field struct {
	Name     string
	Type     FieldType
	Column   string // storage column, derived from Name when empty
	Nullable bool
}

// String returns a string field descriptor.
func String(name string) Field { return Field{Name: name, Type: TypeString} }

// Int returns an integer field descriptor.
func Int(name string) Field { return Field{Name: name, Type: TypeInt} }

// Float returns a float field descriptor.
func Float(name string) Field { return Field{Name: name, Type: TypeFloat} }

// Bool returns a boolean field descriptor.
func Bool(name string) Field { return Field{Name: name, Type: TypeBool} }

// Time returns a timestamp field descriptor.
func Time(name string) Field { return Field{Name: name, Type: TypeTime} }

// UUID returns a UUID field descriptor.
func UUID(name string) Field { return Field{Name: name, Type: TypeUUID} }

// JSON returns a JSON field descriptor.
func JSON(name string) Field { return Field{Name: name, Type: TypeJSON} }

// Bytes returns a binary field descriptor.
func Bytes(name string) Field { return Field{Name: name, Type: TypeBytes} }

// Optional marks the field as nullable.
func (f Field) Optional() Field {
	f.Nullable = true
	return f
}

// StorageColumn overrides the derived column name.
func (f Field) StorageColumn(name string) Field {
	f.Column = name
	return f
}

// RelKind is the cardinality of a relation.
type RelKind int

// Relation kinds.
const (
	// HasMany relates a row to many rows of the target model through a
	// foreign key on the target table.
	HasMany RelKind = iota
	// BelongsTo relates a row to one row of the target model through a
	// foreign key on the owning table.
	BelongsTo
)

// String returns the kind name.
func (k RelKind) String() string {
	if k == BelongsTo {
		return "belongs_to"
	}
	return "has_many"
}

// Relation describes a named association to another model.
type Relation struct {
	Name       string
	Model      string  // target model name
	Kind       RelKind
	ForeignKey string // column holding the reference (on the target table for HasMany, on the owning table for BelongsTo)
	References string // referenced column, the counterpart's primary key when empty
}

// Rule is a declarative authorization predicate attached to a model.
type Rule struct {
	Name   string
	Effect bastion.Effect
	Ops    bastion.Op
	Cond   expr.P // nil matches unconditionally
}

// FieldRule restricts which identities may set a field on update. A field
// with field rules may only be set when no deny rule matches and, if allow
// rules exist for it, at least one matches. Fields without field rules are
// unrestricted beyond the model's update rules.
type FieldRule struct {
	Name   string
	Field  string
	Effect bastion.Effect
	Cond   expr.P // nil matches unconditionally
}

// Model describes one entity: its storage mapping, fields, relations and
// rule set.
type Model struct {
	Name       string
	Table      string // derived from Name when empty
	ID         string // primary key column, "id" when empty
	Fields     []Field
	Relations  []Relation
	Rules      []Rule
	FieldRules []FieldRule
}

// NewModel returns a model builder for the given name.
func NewModel(name string) *Model {
	return &Model{Name: name}
}

// StorageTable overrides the derived table name.
func (m *Model) StorageTable(name string) *Model {
	m.Table = name
	return m
}

// Key sets the primary key column.
func (m *Model) Key(column string) *Model {
	m.ID = column
	return m
}

// AddFields appends field descriptors.
func (m *Model) AddFields(fields ...Field) *Model {
	m.Fields = append(m.Fields, fields...)
	return m
}

// AddHasMany declares a one-to-many relation through a foreign key on the
// target table.
func (m *Model) AddHasMany(name, target, foreignKey string) *Model {
	m.Relations = append(m.Relations, Relation{Name: name, Model: target, Kind: HasMany, ForeignKey: foreignKey})
	return m
}

// AddBelongsTo declares a many-to-one relation through a foreign key on
// this model's table.
func (m *Model) AddBelongsTo(name, target, foreignKey string) *Model {
	m.Relations = append(m.Relations, Relation{Name: name, Model: target, Kind: BelongsTo, ForeignKey: foreignKey})
	return m
}

// AddRules appends prebuilt rules, such as the policy package helpers.
func (m *Model) AddRules(rules ...Rule) *Model {
	m.Rules = append(m.Rules, rules...)
	return m
}

// Allow attaches an allow rule for the given operations.
func (m *Model) Allow(name string, ops bastion.Op, cond expr.P) *Model {
	m.Rules = append(m.Rules, Rule{Name: name, Effect: bastion.Allow, Ops: ops, Cond: cond})
	return m
}

// Deny attaches a deny rule for the given operations. Deny rules override
// allow rules.
func (m *Model) Deny(name string, ops bastion.Op, cond expr.P) *Model {
	m.Rules = append(m.Rules, Rule{Name: name, Effect: bastion.Deny, Ops: ops, Cond: cond})
	return m
}

// AllowField attaches a field-level allow rule for updates of the field.
func (m *Model) AllowField(name, field string, cond expr.P) *Model {
	m.FieldRules = append(m.FieldRules, FieldRule{Name: name, Field: field, Effect: bastion.Allow, Cond: cond})
	return m
}

// DenyField attaches a field-level deny rule for updates of the field.
func (m *Model) DenyField(name, field string, cond expr.P) *Model {
	m.FieldRules = append(m.FieldRules, FieldRule{Name: name, Field: field, Effect: bastion.Deny, Cond: cond})
	return m
}

// Field returns the named field descriptor.
func (m *Model) Field(name string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Relation returns the named relation descriptor.
func (m *Model) Relation(name string) (Relation, bool) {
	for _, r := range m.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// Column returns the storage column for a field name. The primary key and
// relation foreign keys resolve as well.
func (m *Model) Column(field string) (string, bool) {
	if field == m.ID {
		return m.ID, true
	}
	if f, ok := m.Field(field); ok {
		if f.Column != "" {
			return f.Column, true
		}
		return inflect.Underscore(f.Name), true
	}
	return "", false
}

// Schema is a compiled, read-only model set.
type Schema struct {
	models map[string]*Model
	order  []string
}

// New compiles and validates a schema from the given models. Table and
// column names are derived where not set; rule conditions are checked
// against the declared fields and relations.
func New(models ...*Model) (*Schema, error) {
	s := &Schema{models: make(map[string]*Model, len(models))}
	for _, m := range models {
		if m.Name == "" {
			return nil, bastion.NewSchemaError("", fmt.Errorf("model with empty name"))
		}
		if _, dup := s.models[m.Name]; dup {
			return nil, bastion.NewSchemaError(m.Name, fmt.Errorf("duplicate model"))
		}
		if m.Table == "" {
			m.Table = inflect.Pluralize(inflect.Underscore(m.Name))
		}
		if m.ID == "" {
			m.ID = "id"
		}
		s.models[m.Name] = m
		s.order = append(s.order, m.Name)
	}
	for _, name := range s.order {
		if err := s.validateModel(s.models[name]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// MustNew is like New but panics on error. Intended for schema definitions
// in package variables.
func MustNew(models ...*Model) *Schema {
	s, err := New(models...)
	if err != nil {
		panic(err)
	}
	return s
}

// Model returns the named model.
func (s *Schema) Model(name string) (*Model, bool) {
	m, ok := s.models[name]
	return m, ok
}

// Models returns all models in declaration order.
func (s *Schema) Models() []*Model {
	ms := make([]*Model, len(s.order))
	for i, name := range s.order {
		ms[i] = s.models[name]
	}
	return ms
}

func (s *Schema) validateModel(m *Model) error {
	seen := make(map[string]struct{})
	for _, f := range m.Fields {
		if f.Name == "" {
			return bastion.NewSchemaError(m.Name, fmt.Errorf("field with empty name"))
		}
		if _, dup := seen[f.Name]; dup {
			return bastion.NewSchemaError(m.Name, fmt.Errorf("duplicate field %q", f.Name))
		}
		seen[f.Name] = struct{}{}
	}
	for _, r := range m.Relations {
		if _, dup := seen[r.Name]; dup {
			return bastion.NewSchemaError(m.Name, fmt.Errorf("relation %q collides with another member", r.Name))
		}
		seen[r.Name] = struct{}{}
		target, ok := s.models[r.Model]
		if !ok {
			return bastion.NewSchemaError(m.Name, fmt.Errorf("relation %q references unknown model %q", r.Name, r.Model))
		}
		if r.ForeignKey == "" {
			return bastion.NewSchemaError(m.Name, fmt.Errorf("relation %q has no foreign key", r.Name))
		}
		switch r.Kind {
		case HasMany:
			if _, ok := target.Column(r.ForeignKey); !ok {
				return bastion.NewSchemaError(m.Name, fmt.Errorf("relation %q: foreign key %q not found on %s", r.Name, r.ForeignKey, r.Model))
			}
		case BelongsTo:
			if _, ok := m.Column(r.ForeignKey); !ok {
				return bastion.NewSchemaError(m.Name, fmt.Errorf("relation %q: foreign key %q not found on %s", r.Name, r.ForeignKey, m.Name))
			}
		}
	}
	for _, r := range m.Rules {
		if r.Ops == 0 {
			return bastion.NewSchemaError(m.Name, fmt.Errorf("rule %q covers no operations", r.Name))
		}
		if r.Cond != nil {
			if err := s.validateCond(m, r.Cond, false); err != nil {
				return bastion.NewSchemaError(m.Name, fmt.Errorf("rule %q: %w", r.Name, err))
			}
		}
	}
	for _, fr := range m.FieldRules {
		if _, ok := m.Field(fr.Field); !ok {
			return bastion.NewSchemaError(m.Name, fmt.Errorf("field rule %q references unknown field %q", fr.Name, fr.Field))
		}
		if fr.Cond != nil {
			if err := s.validateCond(m, fr.Cond, false); err != nil {
				return bastion.NewSchemaError(m.Name, fmt.Errorf("field rule %q: %w", fr.Name, err))
			}
		}
	}
	return nil
}

// validateCond checks that every field and relation a condition references
// is declared, and that opaque conditions compile. Opaque conditions are
// rejected inside relation quantifiers: quantifiers lower to subqueries and
// an unlowerable subpredicate cannot be applied there.
func (s *Schema) validateCond(m *Model, p expr.P, inRel bool) error {
	switch p := p.(type) {
	case *expr.CELPred:
		if inRel {
			return fmt.Errorf("cel condition %q not allowed inside a relation quantifier", p.Expr)
		}
		return p.Compile()
	case *expr.Cmp:
		for _, t := range []expr.Term{p.Left, p.Right} {
			if err := s.validateTerm(m, t); err != nil {
				return err
			}
		}
	case *expr.In:
		return s.validateTerm(m, p.Left)
	case *expr.Nil:
		return s.validateTerm(m, p.Left)
	case *expr.AndP:
		for _, x := range p.Xs {
			if err := s.validateCond(m, x, inRel); err != nil {
				return err
			}
		}
	case *expr.OrP:
		for _, x := range p.Xs {
			if err := s.validateCond(m, x, inRel); err != nil {
				return err
			}
		}
	case *expr.NotP:
		return s.validateCond(m, p.X, inRel)
	case *expr.Rel:
		rel, ok := m.Relation(p.Relation)
		if !ok {
			return fmt.Errorf("unknown relation %q", p.Relation)
		}
		if p.Pred != nil {
			target := s.models[rel.Model]
			return s.validateCond(target, p.Pred, true)
		}
	}
	return nil
}

func (s *Schema) validateTerm(m *Model, t expr.Term) error {
	if f, ok := t.(expr.Field); ok {
		if _, ok := m.Column(f.Name); !ok {
			return fmt.Errorf("unknown field %q on %s", f.Name, m.Name)
		}
	}
	return nil
}
