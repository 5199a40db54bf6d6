// Package dialect provides the database abstraction the gateway executes
// through: the Driver and Tx interfaces over database/sql, the supported
// dialect constants, and a debug wrapper for statement logging.
package dialect

import (
	"context"

	"go.uber.org/zap"
)

// Supported dialects.
const (
	MySQL    = "mysql"
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// ExecQuerier wraps the two standard database operations.
type ExecQuerier interface {
	// Exec executes a statement that does not return rows. The args slice
	// is expected to be a []any; v, when non-nil, must be a *sql.Result.
	Exec(ctx context.Context, query string, args, v any) error
	// Query executes a statement that returns rows; v must be a *sql.Rows.
	Query(ctx context.Context, query string, args, v any) error
}

// Driver is the interface the gateway operates on.
type Driver interface {
	ExecQuerier
	// Tx starts and returns a new transaction.
	Tx(context.Context) (Tx, error)
	// Close closes the underlying connection.
	Close() error
	// Dialect returns the dialect name.
	Dialect() string
}

// Tx is a transactional driver handle.
type Tx interface {
	ExecQuerier
	Commit() error
	Rollback() error
}

// DebugDriver logs every statement before delegating to the wrapped
// driver. Arguments are logged, row contents never are.
type DebugDriver struct {
	Driver
	log *zap.Logger
}

// Debug wraps a driver with statement logging.
func Debug(d Driver, log *zap.Logger) Driver {
	return &DebugDriver{Driver: d, log: log.Named("driver")}
}

// Exec logs its statement and calls the underlying driver.
func (d *DebugDriver) Exec(ctx context.Context, query string, args, v any) error {
	d.log.Debug("exec", zap.String("query", query), zap.Any("args", args))
	return d.Driver.Exec(ctx, query, args, v)
}

// Query logs its statement and calls the underlying driver.
func (d *DebugDriver) Query(ctx context.Context, query string, args, v any) error {
	d.log.Debug("query", zap.String("query", query), zap.Any("args", args))
	return d.Driver.Query(ctx, query, args, v)
}

// Tx starts a transaction with statement logging.
func (d *DebugDriver) Tx(ctx context.Context) (Tx, error) {
	tx, err := d.Driver.Tx(ctx)
	if err != nil {
		return nil, err
	}
	d.log.Debug("begin transaction")
	return &DebugTx{Tx: tx, log: d.log}, nil
}

// DebugTx logs every transactional statement.
type DebugTx struct {
	Tx
	log *zap.Logger
}

// Exec logs its statement and calls the underlying transaction.
func (t *DebugTx) Exec(ctx context.Context, query string, args, v any) error {
	t.log.Debug("tx exec", zap.String("query", query), zap.Any("args", args))
	return t.Tx.Exec(ctx, query, args, v)
}

// Query logs its statement and calls the underlying transaction.
func (t *DebugTx) Query(ctx context.Context, query string, args, v any) error {
	t.log.Debug("tx query", zap.String("query", query), zap.Any("args", args))
	return t.Tx.Query(ctx, query, args, v)
}

// Commit logs and commits.
func (t *DebugTx) Commit() error {
	t.log.Debug("commit")
	return t.Tx.Commit()
}

// Rollback logs and rolls back.
func (t *DebugTx) Rollback() error {
	t.log.Debug("rollback")
	return t.Tx.Rollback()
}
