// Package catalog introspects the warehouse schema once at startup and
// renders it for the system prompt.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// IntrospectionQuery lists every table with its canonical CREATE statement.
const IntrospectionQuery = "SELECT database_name, schema_name, table_name, sql FROM duckdb_tables()"

// ErrIntrospection wraps any failure to read the table definitions.
var ErrIntrospection = errors.New("schema introspection failed")

// Querier runs a statement and returns its rows.
type Querier interface {
	Query(ctx context.Context, stmt string) ([][]any, error)
}

// Table is one introspected table.
type Table struct {
	Database string
	Schema   string
	Name     string
	SQL      string
}

// Catalog is the immutable schema snapshot taken at startup.
type Catalog struct {
	tables []Table
}

// Load runs IntrospectionQuery once. Tables keep the order the database
// enumerates them in.
func Load(ctx context.Context, q Querier) (*Catalog, error) {
	rows, err := q.Query(ctx, IntrospectionQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntrospection, err)
	}

	tables := make([]Table, 0, len(rows))
	for i, row := range rows {
		if len(row) != 4 {
			return nil, fmt.Errorf("%w: row %d has %d columns, want 4", ErrIntrospection, i, len(row))
		}
		tables = append(tables, Table{
			Database: asString(row[0]),
			Schema:   asString(row[1]),
			Name:     asString(row[2]),
			SQL:      asString(row[3]),
		})
	}

	return &Catalog{tables: tables}, nil
}

// Tables returns a copy of the introspected tables.
func (c *Catalog) Tables() []Table {
	return append([]Table(nil), c.tables...)
}

// TableNames returns table names in catalog order.
func (c *Catalog) TableNames() []string {
	names := make([]string, len(c.tables))
	for i, t := range c.tables {
		names[i] = t.Name
	}
	return names
}

// Render joins the table definitions with newlines.
func (c *Catalog) Render() string {
	defs := make([]string, len(c.tables))
	for i, t := range c.tables {
		defs[i] = t.SQL
	}
	return strings.Join(defs, "\n")
}

var createTablePattern = regexp.MustCompile(
	`(?i)CREATE\s+(?:OR\s+REPLACE\s+)?(?:(?:TEMP|TEMPORARY)\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?` +
		`((?:"(?:[^"]|"")+"|[A-Za-z_][\w$]*)(?:\s*\.\s*(?:"(?:[^"]|"")+"|[A-Za-z_][\w$]*))*)`,
)

var identPattern = regexp.MustCompile(`"(?:[^"]|"")+"|[A-Za-z_][\w$]*`)

// ParseTableNames recovers table names from a rendered catalog. Qualified
// names yield their last segment; quoted names are unquoted.
func ParseTableNames(rendered string) []string {
	var names []string
	for _, m := range createTablePattern.FindAllStringSubmatch(rendered, -1) {
		parts := identPattern.FindAllString(m[1], -1)
		if len(parts) == 0 {
			continue
		}
		names = append(names, unquote(parts[len(parts)-1]))
	}
	return names
}

func unquote(ident string) string {
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		return strings.ReplaceAll(ident[1:len(ident)-1], `""`, `"`)
	}
	return ident
}

// QuoteIdent quotes an identifier for interpolation into SQL.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
