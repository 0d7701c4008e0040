package warehouse

import (
	"context"
	"database/sql"
	"fmt"
)

// GuardSettings are applied in order right after the database is opened.
// Locking the configuration comes last so the first two cannot be undone
// by anything the model sends later.
var GuardSettings = []string{
	"SET enable_external_access = false",
	"SET allow_community_extensions = false",
	"SET lock_configuration = true",
}

// Execer is the subset of *sql.DB the guard needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ApplyGuard runs GuardSettings in order and stops at the first failure.
func ApplyGuard(ctx context.Context, db Execer) error {
	for _, stmt := range GuardSettings {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply %q: %w", stmt, err)
		}
	}
	return nil
}
