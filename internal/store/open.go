package store

import (
	"context"
	"log/slog"
	"strings"
)

// Open picks the backend from databaseURL: a postgres:// URL selects the
// Postgres store, anything else is treated as a SQLite file path.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return NewPostgres(ctx, url, logger)
	}
	return NewSQLite(ctx, url, logger)
}
