// Package sqlite persists fetch snapshots in SQLite via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"runtime"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// pragmas applied to every connection. WAL lets the read pool run while the
// recorder writes a batch.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

// Store implements storage.Store. Snapshot writes arrive in batches from
// a single recorder, so one writer connection is enough.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens the database at dsn (a file path or ":memory:"), applies
// pending migrations, and returns a Store.
func New(ctx context.Context, dsn string) (*Store, error) {
	full := connString(dsn)

	write, err := sql.Open("sqlite", full)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", full)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := migrate(ctx, write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &Store{write: write, read: read}, nil
}

// connString builds the driver DSN. In-memory databases use a shared cache
// so both pools see the same data.
func connString(dsn string) string {
	q := make([]string, 0, len(pragmas)+2)
	for _, p := range pragmas {
		q = append(q, "_pragma="+p)
	}
	if dsn == ":memory:" {
		return "file::memory:?mode=memory&cache=shared&" + strings.Join(q, "&")
	}
	return "file:" + dsn + "?" + strings.Join(q, "&")
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		slog.Info("migration applied", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// Ping checks both pools.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Join(s.write.PingContext(ctx), s.read.PingContext(ctx))
}

// Close closes both pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
