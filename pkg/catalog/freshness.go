package catalog

import (
	"context"
	"fmt"
	"time"
)

// Freshness describes when the warehouse was last refreshed.
type Freshness struct {
	Table  string
	Column string
	Value  string
	Known  bool
}

// LoadFreshness reads max(column) from table. Errors are returned for the
// caller to log; the returned Freshness still names the table so the prompt
// can point the model at it.
func LoadFreshness(ctx context.Context, q Querier, table, column string) (Freshness, error) {
	f := Freshness{Table: table, Column: column}
	if table == "" || column == "" {
		return f, nil
	}

	stmt := fmt.Sprintf("SELECT max(%s) FROM %s", QuoteIdent(column), QuoteIdent(table))
	rows, err := q.Query(ctx, stmt)
	if err != nil {
		return f, fmt.Errorf("failed to read %s.%s: %w", table, column, err)
	}
	if len(rows) == 0 || len(rows[0]) == 0 || rows[0][0] == nil {
		return f, nil
	}

	f.Value = formatValue(rows[0][0])
	f.Known = true
	return f, nil
}

func formatValue(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format("2006-01-02 15:04:05 UTC")
	}
	return asString(v)
}
