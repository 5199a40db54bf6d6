package bastion_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/syssam/bastion"
)

func TestDeniedError(t *testing.T) {
	t.Run("Error", func(t *testing.T) {
		err := bastion.NewDeniedError("Post", bastion.OpUpdate, "")
		assert.Equal(t, "bastion: update on Post denied: no allow rule matched", err.Error())

		err = bastion.NewDeniedError("Post", bastion.OpDelete, "lock-archived")
		assert.Equal(t, `bastion: delete on Post denied by rule "lock-archived"`, err.Error())
	})

	t.Run("Is", func(t *testing.T) {
		err := bastion.NewDeniedError("Post", bastion.OpCreate, "")
		assert.True(t, errors.Is(err, bastion.ErrDenied))
	})

	t.Run("IsDenied", func(t *testing.T) {
		err := bastion.NewDeniedError("Comment", bastion.OpDelete, "")
		assert.True(t, bastion.IsDenied(err))

		// Wrapped error
		wrapped := fmt.Errorf("wrapper: %w", err)
		assert.True(t, bastion.IsDenied(wrapped))

		// Sentinel error
		assert.True(t, bastion.IsDenied(bastion.ErrDenied))

		// Ordinary database errors are not authorization failures.
		assert.False(t, bastion.IsDenied(errors.New("connection refused")))
		assert.False(t, bastion.IsDenied(nil))
	})
}

func TestFieldDeniedError(t *testing.T) {
	t.Run("Error", func(t *testing.T) {
		err := bastion.NewFieldDeniedError("Post", "published")
		assert.Equal(t, "bastion: field Post.published may not be set by this identity", err.Error())
	})

	t.Run("IsDenied", func(t *testing.T) {
		// Field denials are authorization failures too.
		err := bastion.NewFieldDeniedError("Post", "published")
		assert.True(t, bastion.IsDenied(err))
		assert.True(t, errors.Is(err, bastion.ErrDenied))
	})
}

func TestNotFoundError(t *testing.T) {
	t.Run("Error", func(t *testing.T) {
		err := bastion.NewNotFoundError("User")
		assert.Equal(t, "bastion: User not found", err.Error())
	})

	t.Run("Is", func(t *testing.T) {
		err := bastion.NewNotFoundError("Post")
		assert.True(t, errors.Is(err, bastion.ErrNotFound))
	})

	t.Run("IsNotFound", func(t *testing.T) {
		err := bastion.NewNotFoundError("Comment")
		assert.True(t, bastion.IsNotFound(err))

		// Wrapped error
		wrapped := fmt.Errorf("wrapper: %w", err)
		assert.True(t, bastion.IsNotFound(wrapped))

		// Sentinel error
		assert.True(t, bastion.IsNotFound(bastion.ErrNotFound))

		// Non-matching error
		assert.False(t, bastion.IsNotFound(errors.New("other error")))
		assert.False(t, bastion.IsNotFound(nil))
	})
}

func TestNotSingularError(t *testing.T) {
	t.Run("Error", func(t *testing.T) {
		err := bastion.NewNotSingularError("User", -1)
		assert.Equal(t, "bastion: User not singular", err.Error())

		err = bastion.NewNotSingularError("User", 3)
		assert.Equal(t, "bastion: User not singular (got 3 rows, expected 1)", err.Error())
	})

	t.Run("IsNotSingular", func(t *testing.T) {
		err := bastion.NewNotSingularError("Post", 2)
		assert.True(t, bastion.IsNotSingular(err))
		assert.True(t, bastion.IsNotSingular(bastion.ErrNotSingular))
		assert.False(t, bastion.IsNotSingular(errors.New("other error")))
	})
}

func TestSchemaError(t *testing.T) {
	err := bastion.NewSchemaError("Post", errors.New(`rule "owner" references unknown field "ownerz"`))
	assert.Equal(t, `bastion: schema: model Post: rule "owner" references unknown field "ownerz"`, err.Error())
	assert.True(t, bastion.IsSchemaError(err))
	assert.True(t, bastion.IsSchemaError(fmt.Errorf("load: %w", err)))
	assert.False(t, bastion.IsSchemaError(errors.New("other")))
}

func TestErrorsAreDistinguishable(t *testing.T) {
	// A policy denial must never be confused with a missing row or an
	// ordinary driver failure.
	denied := bastion.NewDeniedError("Post", bastion.OpUpdate, "")
	assert.False(t, bastion.IsNotFound(denied))
	assert.False(t, bastion.IsDenied(bastion.NewNotFoundError("Post")))
}
