package bastion

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for gateway operations.
var (
	// ErrDenied is the identity every authorization failure matches.
	// Use errors.Is(err, ErrDenied) to distinguish policy denials from
	// ordinary database errors, which pass through the gateway unchanged.
	ErrDenied = errors.New("bastion: operation denied by policy")

	// ErrNotFound is returned when a requested row does not exist or is
	// not visible to the calling identity.
	ErrNotFound = errors.New("bastion: row not found")

	// ErrNotSingular is returned when a query that expects exactly one
	// visible row matches more than one.
	ErrNotSingular = errors.New("bastion: row not singular")
)

// DeniedError reports that a mutation had no satisfying allow rule, or
// matched a deny rule. It identifies the failing model and operation, and
// the rule that denied when a deny rule matched.
type DeniedError struct {
	Model string
	Op    Op
	Rule  string // name of the matching deny rule, empty on default deny
}

// Error returns the error string.
func (e *DeniedError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("bastion: %s on %s denied by rule %q", e.Op, e.Model, e.Rule)
	}
	return fmt.Sprintf("bastion: %s on %s denied: no allow rule matched", e.Op, e.Model)
}

// Is reports whether the target error matches DeniedError.
// This allows errors.Is(deniedErr, ErrDenied) to return true.
func (e *DeniedError) Is(err error) bool {
	return err == ErrDenied
}

// NewDeniedError returns a new DeniedError for the given model and operation.
func NewDeniedError(model string, op Op, rule string) *DeniedError {
	return &DeniedError{Model: model, Op: op, Rule: rule}
}

// FieldDeniedError reports an update that attempted to set a field outside
// the permitted set for the calling identity. The whole write fails; no
// partial application occurs.
type FieldDeniedError struct {
	Model string
	Field string
}

// Error returns the error string.
func (e *FieldDeniedError) Error() string {
	return fmt.Sprintf("bastion: field %s.%s may not be set by this identity", e.Model, e.Field)
}

// Is reports whether the target error matches FieldDeniedError.
// Field denials are authorization failures and match ErrDenied as well.
func (e *FieldDeniedError) Is(err error) bool {
	return err == ErrDenied
}

// NewFieldDeniedError returns a new FieldDeniedError for the given field.
func NewFieldDeniedError(model, field string) *FieldDeniedError {
	return &FieldDeniedError{Model: model, Field: field}
}

// IsDenied returns true if the error is an authorization failure
// (DeniedError or FieldDeniedError).
func IsDenied(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrDenied)
}

// NotFoundError represents an error when a row is not found. A row the
// calling identity may not see is indistinguishable from one that does
// not exist.
type NotFoundError struct {
	model string
}

// Error returns the error string.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("bastion: %s not found", e.model)
}

// Is reports whether the target error matches NotFoundError.
func (e *NotFoundError) Is(err error) bool {
	return err == ErrNotFound
}

// Model returns the model name.
func (e *NotFoundError) Model() string { return e.model }

// NewNotFoundError returns a new NotFoundError for the given model.
func NewNotFoundError(model string) *NotFoundError {
	return &NotFoundError{model: model}
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *NotFoundError
	return errors.As(err, &e) || errors.Is(err, ErrNotFound)
}

// NotSingularError represents an error when a query expects a single
// visible row but more than one matched.
type NotSingularError struct {
	model string
	count int // number of visible rows matched, -1 if unknown
}

// Error returns the error string.
func (e *NotSingularError) Error() string {
	if e.count >= 0 {
		return fmt.Sprintf("bastion: %s not singular (got %d rows, expected 1)", e.model, e.count)
	}
	return fmt.Sprintf("bastion: %s not singular", e.model)
}

// Is reports whether the target error matches NotSingularError.
func (e *NotSingularError) Is(err error) bool {
	return err == ErrNotSingular
}

// Model returns the model name.
func (e *NotSingularError) Model() string { return e.model }

// Count returns the number of rows matched, or -1 if unknown.
func (e *NotSingularError) Count() int { return e.count }

// NewNotSingularError returns a new NotSingularError for the given model.
func NewNotSingularError(model string, count int) *NotSingularError {
	return &NotSingularError{model: model, count: count}
}

// IsNotSingular returns true if the error is a NotSingularError.
func IsNotSingular(err error) bool {
	if err == nil {
		return false
	}
	var e *NotSingularError
	return errors.As(err, &e) || errors.Is(err, ErrNotSingular)
}

// SchemaError reports an invalid model schema or rule set detected at
// compile time, before any gateway is constructed.
type SchemaError struct {
	Model string
	Err   error
}

// Error returns the error string.
func (e *SchemaError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("bastion: schema: model %s: %v", e.Model, e.Err)
	}
	return fmt.Sprintf("bastion: schema: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *SchemaError) Unwrap() error { return e.Err }

// NewSchemaError returns a new SchemaError for the given model.
func NewSchemaError(model string, err error) *SchemaError {
	return &SchemaError{Model: model, Err: err}
}

// IsSchemaError returns true if the error is a SchemaError.
func IsSchemaError(err error) bool {
	if err == nil {
		return false
	}
	var e *SchemaError
	return errors.As(err, &e)
}
