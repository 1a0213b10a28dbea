// Package sqlite backs the storage interfaces with SQLite via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store implements storage.Store. It holds two pools over the same database:
// writes serialize on a single connection while reads fan out across up to
// NumCPU connections. WAL mode keeps readers from blocking the writer.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

func dsnFor(path string) string {
	if path == ":memory:" {
		// Shared cache so both pools see the same in-memory database.
		return "file::memory:?mode=memory&cache=shared&" + pragmas
	}
	return "file:" + path + "?" + pragmas
}

// New opens the database at path, applies any pending migrations, and
// returns the store.
func New(path string) (*Store, error) {
	dsn := dsnFor(path)

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open write pool: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := migrate(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{write: write, read: read}, nil
}

func migrate(db *sql.DB) error {
	// goose expects the migration files at the root of the FS.
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	_, err = p.Up(context.Background())
	return err
}

// Ping checks connectivity on the read pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close releases both pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
