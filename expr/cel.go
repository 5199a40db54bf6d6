package expr

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/identity"
)

// celEnv is the shared CEL environment for condition expressions. Two
// variables are in scope: "row" (the row under evaluation) and "auth"
// (the calling identity's claims; empty for anonymous callers).
var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func celEnvironment() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("auth", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return celEnv, celEnvErr
}

// celPrograms caches compiled programs by expression source.
var celPrograms sync.Map

// CELPred is an opaque predicate backed by a CEL expression. It cannot be
// lowered to SQL; on the query path the gateway applies it in memory after
// the pushed-down predicate.
type CELPred struct {
	Expr string
}

// CEL returns a predicate evaluating the given CEL expression against
// {row, auth}. The expression must produce a boolean. Compilation is lazy;
// call Compile to surface syntax and type errors at schema-compile time.
func CEL(expression string) *CELPred { return &CELPred{Expr: expression} }

// String returns the predicate rendering.
func (p *CELPred) String() string { return fmt.Sprintf("cel(%q)", p.Expr) }

// Negate returns the negated predicate.
func (p *CELPred) Negate() P { return Not(p) }

// Compile checks the expression and caches the compiled program.
func (p *CELPred) Compile() error {
	_, err := p.program()
	return err
}

func (p *CELPred) program() (cel.Program, error) {
	if prg, ok := celPrograms.Load(p.Expr); ok {
		return prg.(cel.Program), nil
	}
	env, err := celEnvironment()
	if err != nil {
		return nil, fmt.Errorf("expr: cel environment: %w", err)
	}
	ast, iss := env.Compile(p.Expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("expr: compile %q: %w", p.Expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expr: %q must produce a boolean, got %s", p.Expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("expr: program %q: %w", p.Expr, err)
	}
	celPrograms.Store(p.Expr, prg)
	return prg, nil
}

// Eval evaluates the expression against the row and identity. Expressions
// are type-checked at compile time; the remaining runtime failures are
// absent-attribute lookups (e.g. auth.sub for an anonymous caller), which
// do not match, consistent with Bind folding absent claims to a non-match.
func (p *CELPred) Eval(_ context.Context, row bastion.Row, id *identity.Identity) (bool, error) {
	prg, err := p.program()
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"row":  map[string]any(row),
		"auth": claimsMap(id),
	})
	if err != nil {
		return false, nil
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}

var _ Evaluator = (*CELPred)(nil)

// claimsMap flattens an identity into the CEL activation shape.
func claimsMap(id *identity.Identity) map[string]any {
	m := make(map[string]any)
	if id == nil {
		return m
	}
	for k, v := range id.Claims {
		m[k] = v
	}
	if id.Subject != "" {
		m[identity.ClaimSubject] = id.Subject
	}
	if id.Tenant != "" {
		m[identity.ClaimTenant] = id.Tenant
	}
	if len(id.Roles) > 0 {
		m[identity.ClaimRoles] = id.Roles
	}
	return m
}
