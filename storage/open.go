package storage

import (
	"context"
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	Dir         string // file
	SQLitePath  string // sqlite
	DatabaseURL string // postgres
	QuotaBytes  int64
}

// Open returns the Store named by opts.Backend. An empty name means file.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case BackendMemory:
		return NewMemoryStore(opts.QuotaBytes), nil
	case "", BackendFile:
		return NewFileStore(opts.Dir, opts.QuotaBytes)
	case BackendSQLite:
		return NewSQLiteStore(ctx, opts.SQLitePath, opts.QuotaBytes)
	case BackendPostgres:
		if opts.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
		return NewPostgresStore(ctx, opts.DatabaseURL, opts.QuotaBytes)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
