// Package warehouse opens the activity database read-only, locks it down and
// runs arbitrary statements against it.
package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	duckdb "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options configures Open.
type Options struct {
	Path     string
	MaxConns int
	Logger   zerolog.Logger
}

// DB is a guarded, read-only handle on the activity database.
type DB struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens Path read-only and applies the access guard. Any failure is
// fatal to the caller: the returned error means no handle exists.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if opts.Path == "" {
		return nil, errors.New("database path is empty")
	}

	logger := opts.Logger.With().Str("component", "warehouse").Logger()

	db, err := sql.Open("duckdb", opts.Path+"?access_mode=read_only")
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", opts.Path, err)
	}
	if opts.MaxConns > 0 {
		db.SetMaxOpenConns(opts.MaxConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", opts.Path, err)
	}

	if err := ApplyGuard(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to secure database: %w", err)
	}

	logger.Info().Str("path", opts.Path).Msg("Database opened read-only")

	return &DB{db: db, logger: logger}, nil
}

// Query runs stmt and returns every row in result order. Values are
// normalised so the rows can be JSON encoded.
func (d *DB) Query(ctx context.Context, stmt string) ([][]any, error) {
	rows, err := d.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	out := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			values[i] = normalizeColumn(v, cols[i].DatabaseTypeName())
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// Close closes the underlying pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// normalizeColumn converts a scanned value of the given database type.
// UUIDs arrive as 16 raw bytes and are rendered in canonical form.
func normalizeColumn(v any, dbType string) any {
	if b, ok := v.([]byte); ok && dbType == "UUID" && len(b) == 16 {
		if id, err := uuid.FromBytes(b); err == nil {
			return id.String()
		}
	}
	return normalize(v)
}

// normalize makes v JSON encodable. NaN and infinities become null.
func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil
		}
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case duckdb.Map:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(normalize(k))] = normalize(e)
		}
		return out
	case json.Marshaler:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return x
	}
}
