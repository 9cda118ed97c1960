package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/parsedu/school-admin/database"
)

// Bootstrap applies the embedded account schema DDL. Statements are
// idempotent (IF NOT EXISTS), so running on every start is safe.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("pool is required")
	}

	for _, raw := range strings.Split(sqlassets.AccountsSQL, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply account schema: %w", err)
		}
	}

	return nil
}
