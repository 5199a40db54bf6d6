package sql

import (
	"strconv"
	"strings"

	"github.com/syssam/bastion/dialect"
)

// Builder accumulates one rendered statement: the SQL text plus its bound
// arguments. Subqueries write into their parent's builder so placeholder
// numbering stays consistent on postgres.
type Builder struct {
	sb      strings.Builder
	dialect string
	args    []any
}

// NewBuilder returns a builder for the given dialect.
func NewBuilder(dialect string) *Builder {
	return &Builder{dialect: dialect}
}

// Dialect returns the builder dialect.
func (b *Builder) Dialect() string { return b.dialect }

// WriteString appends raw SQL text.
func (b *Builder) WriteString(s string) *Builder {
	b.sb.WriteString(s)
	return b
}

// Ident appends a quoted identifier. Qualified names ("table.column") are
// quoted part by part.
func (b *Builder) Ident(name string) *Builder {
	quote := `"`
	if b.dialect == dialect.MySQL {
		quote = "`"
	}
	for i, part := range strings.Split(name, ".") {
		if i > 0 {
			b.sb.WriteByte('.')
		}
		if part == "*" {
			b.sb.WriteByte('*')
			continue
		}
		b.sb.WriteString(quote)
		b.sb.WriteString(part)
		b.sb.WriteString(quote)
	}
	return b
}

// Arg appends a placeholder and binds the value.
func (b *Builder) Arg(v any) *Builder {
	b.args = append(b.args, v)
	if b.dialect == dialect.Postgres {
		b.sb.WriteByte('$')
		b.sb.WriteString(strconv.Itoa(len(b.args)))
	} else {
		b.sb.WriteByte('?')
	}
	return b
}

// String returns the rendered SQL.
func (b *Builder) String() string { return b.sb.String() }

// Args returns the bound arguments.
func (b *Builder) Args() []any { return b.args }

// Querier renders a statement with its arguments.
type Querier interface {
	Query() (string, []any)
}

// Predicate is a composable WHERE condition.
type Predicate struct {
	fn func(*Builder)
}

func p(fn func(*Builder)) *Predicate { return &Predicate{fn: fn} }

func (p *Predicate) writeTo(b *Builder) { p.fn(b) }

// Render renders the predicate alone, for embedding in externally built
// statements.
func (p *Predicate) Render(dialect string) (string, []any) {
	b := NewBuilder(dialect)
	p.writeTo(b)
	return b.String(), b.Args()
}

func cmp(col, op string, v any) *Predicate {
	return p(func(b *Builder) {
		b.Ident(col).WriteString(" " + op + " ").Arg(v)
	})
}

// EQ returns a column = value predicate.
func EQ(col string, v any) *Predicate { return cmp(col, "=", v) }

// NEQ returns a column <> value predicate.
func NEQ(col string, v any) *Predicate { return cmp(col, "<>", v) }

// GT returns a column > value predicate.
func GT(col string, v any) *Predicate { return cmp(col, ">", v) }

// GTE returns a column >= value predicate.
func GTE(col string, v any) *Predicate { return cmp(col, ">=", v) }

// LT returns a column < value predicate.
func LT(col string, v any) *Predicate { return cmp(col, "<", v) }

// LTE returns a column <= value predicate.
func LTE(col string, v any) *Predicate { return cmp(col, "<=", v) }

// ColumnsEQ returns a column = column predicate, used for join and
// subquery correlation.
func ColumnsEQ(col1, col2 string) *Predicate {
	return p(func(b *Builder) {
		b.Ident(col1).WriteString(" = ").Ident(col2)
	})
}

// In returns a column IN (values...) predicate. An empty list never
// matches.
func In(col string, vs ...any) *Predicate {
	if len(vs) == 0 {
		return False()
	}
	return p(func(b *Builder) {
		b.Ident(col).WriteString(" IN (")
		for i, v := range vs {
			if i > 0 {
				b.WriteString(", ")
			}
			b.Arg(v)
		}
		b.WriteString(")")
	})
}

// NotIn returns a column NOT IN (values...) predicate. An empty list
// always matches.
func NotIn(col string, vs ...any) *Predicate {
	if len(vs) == 0 {
		return True()
	}
	return Not(In(col, vs...))
}

// IsNull returns a column IS NULL predicate.
func IsNull(col string) *Predicate {
	return p(func(b *Builder) { b.Ident(col).WriteString(" IS NULL") })
}

// NotNull returns a column IS NOT NULL predicate.
func NotNull(col string) *Predicate {
	return p(func(b *Builder) { b.Ident(col).WriteString(" IS NOT NULL") })
}

// Like returns a column LIKE pattern predicate.
func Like(col, pattern string) *Predicate {
	return p(func(b *Builder) {
		b.Ident(col).WriteString(" LIKE ").Arg(pattern)
	})
}

// escapeLike escapes the LIKE wildcards in a literal substring.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}

// Contains returns a substring match predicate.
func Contains(col, sub string) *Predicate {
	return Like(col, "%"+escapeLike(sub)+"%")
}

// HasPrefix returns a prefix match predicate.
func HasPrefix(col, prefix string) *Predicate {
	return Like(col, escapeLike(prefix)+"%")
}

// HasSuffix returns a suffix match predicate.
func HasSuffix(col, suffix string) *Predicate {
	return Like(col, "%"+escapeLike(suffix))
}

// And joins the predicates with AND.
func And(ps ...*Predicate) *Predicate {
	if len(ps) == 1 {
		return ps[0]
	}
	return p(func(b *Builder) {
		for i, x := range ps {
			if i > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString("(")
			x.writeTo(b)
			b.WriteString(")")
		}
	})
}

// Or joins the predicates with OR.
func Or(ps ...*Predicate) *Predicate {
	if len(ps) == 1 {
		return ps[0]
	}
	return p(func(b *Builder) {
		for i, x := range ps {
			if i > 0 {
				b.WriteString(" OR ")
			}
			b.WriteString("(")
			x.writeTo(b)
			b.WriteString(")")
		}
	})
}

// Not negates the predicate.
func Not(x *Predicate) *Predicate {
	return p(func(b *Builder) {
		b.WriteString("NOT (")
		x.writeTo(b)
		b.WriteString(")")
	})
}

// True returns a predicate that always matches.
func True() *Predicate {
	return p(func(b *Builder) { b.WriteString("TRUE") })
}

// False returns a predicate that never matches.
func False() *Predicate {
	return p(func(b *Builder) { b.WriteString("FALSE") })
}

// Exists returns an EXISTS (subquery) predicate.
func Exists(sub *Selector) *Predicate {
	return p(func(b *Builder) {
		b.WriteString("EXISTS (")
		sub.writeTo(b)
		b.WriteString(")")
	})
}

// NotExists returns a NOT EXISTS (subquery) predicate.
func NotExists(sub *Selector) *Predicate {
	return p(func(b *Builder) {
		b.WriteString("NOT EXISTS (")
		sub.writeTo(b)
		b.WriteString(")")
	})
}

type order struct {
	col  string
	desc bool
}

// Selector builds a SELECT statement.
type Selector struct {
	dialect   string
	table     string
	columns   []string
	where     *Predicate
	orders    []order
	limit     *int
	offset    *int
	count     bool
	forUpdate bool
}

// Select returns a selector for the given columns; no columns selects "*".
func Select(columns ...string) *Selector {
	return &Selector{columns: columns}
}

// SelectCount returns a COUNT(*) selector.
func SelectCount() *Selector {
	return &Selector{count: true}
}

// SetDialect sets the rendering dialect.
func (s *Selector) SetDialect(dialect string) *Selector {
	s.dialect = dialect
	return s
}

// From sets the table to select from.
func (s *Selector) From(table string) *Selector {
	s.table = table
	return s
}

// Table returns the table the selector reads from.
func (s *Selector) Table() string { return s.table }

// C returns the table-qualified name of a column.
func (s *Selector) C(column string) string {
	if s.table == "" {
		return column
	}
	return s.table + "." + column
}

// Where conjoins a predicate with the existing one.
func (s *Selector) Where(x *Predicate) *Selector {
	if x == nil {
		return s
	}
	if s.where != nil {
		x = And(s.where, x)
	}
	s.where = x
	return s
}

// OrderAsc appends an ascending order term.
func (s *Selector) OrderAsc(col string) *Selector {
	s.orders = append(s.orders, order{col: col})
	return s
}

// OrderDesc appends a descending order term.
func (s *Selector) OrderDesc(col string) *Selector {
	s.orders = append(s.orders, order{col: col, desc: true})
	return s
}

// Limit caps the number of returned rows.
func (s *Selector) Limit(n int) *Selector {
	s.limit = &n
	return s
}

// Offset skips the first n rows.
func (s *Selector) Offset(n int) *Selector {
	s.offset = &n
	return s
}

// ForUpdate locks the selected rows until the transaction ends. SQLite has
// no row locks; its write transaction already locks the database, so the
// clause is omitted there.
func (s *Selector) ForUpdate() *Selector {
	s.forUpdate = true
	return s
}

func (s *Selector) writeTo(b *Builder) {
	b.WriteString("SELECT ")
	switch {
	case s.count:
		b.WriteString("COUNT(*)")
	case len(s.columns) == 0:
		b.WriteString("*")
	default:
		for i, c := range s.columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.Ident(s.C(c))
		}
	}
	b.WriteString(" FROM ")
	b.Ident(s.table)
	if s.where != nil {
		b.WriteString(" WHERE ")
		s.where.writeTo(b)
	}
	for i, o := range s.orders {
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		b.Ident(s.C(o.col))
		if o.desc {
			b.WriteString(" DESC")
		}
	}
	if s.limit != nil {
		b.WriteString(" LIMIT ")
		b.Arg(*s.limit)
	}
	if s.offset != nil {
		b.WriteString(" OFFSET ")
		b.Arg(*s.offset)
	}
	if s.forUpdate && s.dialect != dialect.SQLite {
		b.WriteString(" FOR UPDATE")
	}
}

// Query renders the statement.
func (s *Selector) Query() (string, []any) {
	b := NewBuilder(s.dialect)
	s.writeTo(b)
	return b.String(), b.Args()
}

// InsertBuilder builds an INSERT statement.
type InsertBuilder struct {
	dialect   string
	table     string
	columns   []string
	values    [][]any
	returning []string
}

// Insert returns an insert builder for the table.
func Insert(table string) *InsertBuilder {
	return &InsertBuilder{table: table}
}

// SetDialect sets the rendering dialect.
func (i *InsertBuilder) SetDialect(dialect string) *InsertBuilder {
	i.dialect = dialect
	return i
}

// Columns sets the inserted columns.
func (i *InsertBuilder) Columns(columns ...string) *InsertBuilder {
	i.columns = columns
	return i
}

// Values appends one row of values, in column order.
func (i *InsertBuilder) Values(values ...any) *InsertBuilder {
	i.values = append(i.values, values)
	return i
}

// Returning sets the RETURNING clause (postgres and sqlite).
func (i *InsertBuilder) Returning(columns ...string) *InsertBuilder {
	i.returning = columns
	return i
}

// Query renders the statement.
func (i *InsertBuilder) Query() (string, []any) {
	b := NewBuilder(i.dialect)
	b.WriteString("INSERT INTO ")
	b.Ident(i.table)
	b.WriteString(" (")
	for j, c := range i.columns {
		if j > 0 {
			b.WriteString(", ")
		}
		b.Ident(c)
	}
	b.WriteString(") VALUES ")
	for j, row := range i.values {
		if j > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for k, v := range row {
			if k > 0 {
				b.WriteString(", ")
			}
			b.Arg(v)
		}
		b.WriteString(")")
	}
	if len(i.returning) > 0 && i.dialect != dialect.MySQL {
		b.WriteString(" RETURNING ")
		for j, c := range i.returning {
			if j > 0 {
				b.WriteString(", ")
			}
			b.Ident(c)
		}
	}
	return b.String(), b.Args()
}

// UpdateBuilder builds an UPDATE statement.
type UpdateBuilder struct {
	dialect string
	table   string
	columns []string
	values  []any
	where   *Predicate
}

// Update returns an update builder for the table.
func Update(table string) *UpdateBuilder {
	return &UpdateBuilder{table: table}
}

// SetDialect sets the rendering dialect.
func (u *UpdateBuilder) SetDialect(dialect string) *UpdateBuilder {
	u.dialect = dialect
	return u
}

// Set assigns a value to a column.
func (u *UpdateBuilder) Set(column string, v any) *UpdateBuilder {
	u.columns = append(u.columns, column)
	u.values = append(u.values, v)
	return u
}

// Where conjoins a predicate with the existing one.
func (u *UpdateBuilder) Where(x *Predicate) *UpdateBuilder {
	if x == nil {
		return u
	}
	if u.where != nil {
		x = And(u.where, x)
	}
	u.where = x
	return u
}

// Query renders the statement.
func (u *UpdateBuilder) Query() (string, []any) {
	b := NewBuilder(u.dialect)
	b.WriteString("UPDATE ")
	b.Ident(u.table)
	b.WriteString(" SET ")
	for j, c := range u.columns {
		if j > 0 {
			b.WriteString(", ")
		}
		b.Ident(c).WriteString(" = ").Arg(u.values[j])
	}
	if u.where != nil {
		b.WriteString(" WHERE ")
		u.where.writeTo(b)
	}
	return b.String(), b.Args()
}

// DeleteBuilder builds a DELETE statement.
type DeleteBuilder struct {
	dialect string
	table   string
	where   *Predicate
}

// Delete returns a delete builder for the table.
func Delete(table string) *DeleteBuilder {
	return &DeleteBuilder{table: table}
}

// SetDialect sets the rendering dialect.
func (d *DeleteBuilder) SetDialect(dialect string) *DeleteBuilder {
	d.dialect = dialect
	return d
}

// Where conjoins a predicate with the existing one.
func (d *DeleteBuilder) Where(x *Predicate) *DeleteBuilder {
	if x == nil {
		return d
	}
	if d.where != nil {
		x = And(d.where, x)
	}
	d.where = x
	return d
}

// Query renders the statement.
func (d *DeleteBuilder) Query() (string, []any) {
	b := NewBuilder(d.dialect)
	b.WriteString("DELETE FROM ")
	b.Ident(d.table)
	if d.where != nil {
		b.WriteString(" WHERE ")
		d.where.writeTo(b)
	}
	return b.String(), b.Args()
}
