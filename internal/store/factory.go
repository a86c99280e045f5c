package store

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks a backend from databaseURL: postgres:// or postgresql:// for
// PostgreSQL, sqlite://path or a *.db path for SQLite, empty or "memory" for
// the in-process store.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "" || url == "memory":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasSuffix(url, ".db"):
		return NewSQLiteStore(ctx, url)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL %q", url)
	}
}

// Backend names the store implementation, for logs.
func Backend(s Store) string {
	switch s.(type) {
	case *PostgresStore:
		return "postgres"
	case *SQLiteStore:
		return "sqlite"
	case *InMemoryStore:
		return "memory"
	default:
		return "custom"
	}
}
