// Package gormscope bridges compiled read policies into gorm. The scope it
// produces constrains a query to the rows the identity may read, rendered
// from the same pushdown the gateway client uses.
//
// Only fully SQL-expressible policies can be bridged: the gateway re-checks
// widened clauses in memory, but a foreign ORM statement has no such hook,
// so an inexact policy surfaces as an error on the statement instead.
package gormscope

import (
	"gorm.io/gorm"

	"github.com/syssam/bastion/dialect"
	"github.com/syssam/bastion/gateway"
	"github.com/syssam/bastion/identity"
	"github.com/syssam/bastion/policy"
)

// Read returns a scope limiting queries over the model's table to rows the
// identity's read policy allows.
//
//	db.Scopes(gormscope.Read(policies, "Post", id)).Find(&posts)
func Read(pol *policy.Policies, model string, id *identity.Identity) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		cond, args, err := gateway.ReadClause(pol, model, renderDialect(db), id)
		if err != nil {
			_ = db.AddError(err)
			return db
		}
		return db.Where(cond, args...)
	}
}

// renderDialect picks identifier quoting for the clause. Placeholders stay
// question marks in every case; gorm rebinds them for the dialector.
func renderDialect(db *gorm.DB) string {
	if db.Dialector != nil && db.Dialector.Name() == dialect.MySQL {
		return dialect.MySQL
	}
	return dialect.SQLite
}
