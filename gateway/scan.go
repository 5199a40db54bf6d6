package gateway

import (
	"context"
	"time"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/dialect"
	dsql "github.com/syssam/bastion/dialect/sql"
	"github.com/syssam/bastion/identity"
	"github.com/syssam/bastion/schema"
)

// runQuery executes a select and scans the result into rows keyed by
// field names.
func (c *Client) runQuery(ctx context.Context, m *schema.Model, query string, args []any) ([]bastion.Row, error) {
	return c.runQueryOn(ctx, c.drv, m, query, args)
}

// runQueryOn is runQuery over an explicit connection, e.g. a transaction.
func (c *Client) runQueryOn(ctx context.Context, conn dialect.ExecQuerier, m *schema.Model, query string, args []any) ([]bastion.Row, error) {
	var rows dsql.Rows
	if err := conn.Query(ctx, query, args, &rows); err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(m, &rows)
}

// queryCount executes a COUNT(*) select.
func (c *Client) queryCount(ctx context.Context, query string, args []any) (int, error) {
	var rows dsql.Rows
	if err := c.drv.Query(ctx, query, args, &rows); err != nil {
		return 0, err
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, rows.Err()
	}
	var n int
	if err := rows.Scan(&n); err != nil {
		return 0, err
	}
	return n, rows.Err()
}

// queryRows is runQuery behind the result cache, when one is configured.
func (c *Client) queryRows(ctx context.Context, m *schema.Model, id *identity.Identity, query string, args []any) ([]bastion.Row, error) {
	if c.cache == nil {
		return c.runQuery(ctx, m, query, args)
	}
	return c.cache.rows(ctx, c, m, id, query, args)
}

func scanRows(m *schema.Model, rows *dsql.Rows) ([]bastion.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	names := fieldNames(m, cols)
	var out []bastion.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(bastion.Row, len(cols))
		for i, name := range names {
			row[name] = normalize(m, name, vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// fieldNames maps result columns back to schema field names.
func fieldNames(m *schema.Model, cols []string) []string {
	byColumn := make(map[string]string, len(m.Fields))
	for _, f := range m.Fields {
		col, _ := m.Column(f.Name)
		byColumn[col] = f.Name
	}
	names := make([]string, len(cols))
	for i, col := range cols {
		if name, ok := byColumn[col]; ok {
			names[i] = name
		} else {
			names[i] = col
		}
	}
	return names
}

// normalize converts driver values to the field's natural Go type. Text
// drivers hand back []byte for most columns; bool columns scan as int64
// on sqlite and mysql.
func normalize(m *schema.Model, field string, v any) any {
	f, ok := m.Field(field)
	if !ok {
		if b, isBytes := v.([]byte); isBytes {
			return string(b)
		}
		return v
	}
	switch f.Type {
	case schema.TypeBool:
		switch n := v.(type) {
		case int64:
			return n != 0
		case []byte:
			return string(n) == "1" || string(n) == "true" || string(n) == "t"
		}
	case schema.TypeString, schema.TypeUUID, schema.TypeJSON:
		if b, isBytes := v.([]byte); isBytes {
			return string(b)
		}
	case schema.TypeTime:
		switch t := v.(type) {
		case time.Time:
			return t
		case []byte:
			if parsed, err := time.Parse(time.RFC3339Nano, string(t)); err == nil {
				return parsed
			}
			return string(t)
		}
	case schema.TypeBytes:
		return v
	default:
		if b, isBytes := v.([]byte); isBytes {
			return string(b)
		}
	}
	return v
}
