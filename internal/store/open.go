// ABOUTME: Chooses and opens the configured Store implementation
// ABOUTME: sqlite and sqlite3 use a file path; postgres uses a URL and schema

package store

import (
	"context"
	"fmt"
)

// Options selects a backend.
type Options struct {
	Driver string // sqlite, sqlite3 or postgres
	Path   string
	URL    string
	Schema string
}

// Open returns the Store for opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverSQLite:
		return OpenSQLite(DriverSQLite, opts.Path)
	case DriverSQLite3:
		return OpenSQLite(DriverSQLite3, opts.Path)
	case "postgres":
		return NewPostgresStore(ctx, opts.URL, opts.Schema)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}
