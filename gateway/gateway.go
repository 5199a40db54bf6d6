// Package gateway wraps a database driver with policy enforcement. A
// Client carries one identity; reads are rewritten so only authorized rows
// come back, and writes are checked against the compiled policies before
// any statement executes.
package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/dialect"
	"github.com/syssam/bastion/expr"
	"github.com/syssam/bastion/identity"
	"github.com/syssam/bastion/policy"
	"github.com/syssam/bastion/rbac"
	"github.com/syssam/bastion/schema"
)

// Client executes queries and mutations on behalf of one identity. It is
// cheap to construct and holds no connections of its own; create one per
// request with that request's identity.
type Client struct {
	drv      dialect.Driver
	schema   *schema.Schema
	policies *policy.Policies
	id       *identity.Identity
	log      *zap.Logger
	cache    *queryCache
	roles    rbac.RoleSource
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default is a nop logger; at debug level
// the client logs policy decisions and statements, never row data.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithCache caches read results in the given cache. Entries are scoped to
// the identity and invalidated on any mutation of the model.
func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = newQueryCache(cache) }
}

// WithRoles expands the identity's roles through the source before every
// policy evaluation.
func WithRoles(src rbac.RoleSource) Option {
	return func(c *Client) { c.roles = src }
}

// Wrap returns a client enforcing the schema's policies over the driver
// for the given identity. A nil identity is an anonymous caller.
func Wrap(drv dialect.Driver, s *schema.Schema, id *identity.Identity, opts ...Option) *Client {
	c := &Client{
		drv:      drv,
		schema:   s,
		policies: policy.Compile(s),
		id:       id,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("gateway")
	return c
}

// WrapPolicies is like Wrap for an already compiled policy set, letting
// multiple per-request clients share one compilation.
func WrapPolicies(drv dialect.Driver, p *policy.Policies, id *identity.Identity, opts ...Option) *Client {
	c := Wrap(drv, p.Schema(), id, opts...)
	c.policies = p
	return c
}

// Identity returns the identity the client acts for.
func (c *Client) Identity() *identity.Identity { return c.id }

// Model returns a handle on the named model. Unknown names surface as a
// SchemaError from the handle's operations.
func (c *Client) Model(name string) *ModelClient {
	m, ok := c.schema.Model(name)
	if !ok {
		return &ModelClient{c: c, err: bastion.NewSchemaError(name, fmt.Errorf("unknown model"))}
	}
	return &ModelClient{c: c, model: m}
}

// ModelClient is a handle on one model.
type ModelClient struct {
	c     *Client
	model *schema.Model
	err   error
}

// Query starts a read query on the model.
func (m *ModelClient) Query() *Query {
	return &Query{m: m}
}

// ident resolves the effective identity, expanding roles through the
// configured source.
func (c *Client) ident(ctx context.Context) (*identity.Identity, error) {
	return rbac.Expand(ctx, c.roles, c.id)
}

// loader loads policy-visible related rows, backing in-memory evaluation
// of relation quantifiers.
type loader struct {
	c     *Client
	model *schema.Model
	id    *identity.Identity
}

// Related fetches the rows related through the named relation, filtered by
// the target model's read policy.
func (l *loader) Related(ctx context.Context, relation string, row bastion.Row) ([]bastion.Row, error) {
	rel, ok := l.model.Relation(relation)
	if !ok {
		return nil, bastion.NewSchemaError(l.model.Name, fmt.Errorf("unknown relation %q", relation))
	}
	target, _ := l.c.schema.Model(rel.Model)
	var match expr.P
	switch rel.Kind {
	case schema.HasMany:
		key := rel.References
		if key == "" {
			key = l.model.ID
		}
		id, ok := row[key]
		if !ok || id == nil {
			return nil, nil
		}
		match = expr.FieldEQ(rel.ForeignKey, id)
	case schema.BelongsTo:
		fk, ok := row[rel.ForeignKey]
		if !ok || fk == nil {
			return nil, nil
		}
		match = expr.FieldEQ(referencedColumn(target, rel), fk)
	}
	q := &Query{m: &ModelClient{c: l.c, model: target}, pred: match}
	return q.allAs(ctx, l.id)
}

func errUnknownField(name string) error { return fmt.Errorf("unknown field %q", name) }

func errUnknownRelation(name string) error { return fmt.Errorf("unknown relation %q", name) }

// referencedColumn resolves the column a relation points at on the target
// model, defaulting to its primary key.
func referencedColumn(target *schema.Model, rel schema.Relation) string {
	if rel.References != "" {
		return rel.References
	}
	return target.ID
}
