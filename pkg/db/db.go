package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Database wraps the SQL handle shared by every store in the engine.
type Database struct {
	DB *sql.DB
}

// pragmas applied on open.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA synchronous=NORMAL",
}

// New opens (creating if needed) the SQLite database at path. ":memory:" opens
// a private in-memory database.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection: the in-memory database is per connection, and sqlite
	// serializes writers anyway.
	handle.SetMaxOpenConns(1)
	handle.SetConnMaxLifetime(0)
	handle.SetConnMaxIdleTime(time.Hour)

	for _, p := range pragmas {
		if path == ":memory:" && p == "PRAGMA journal_mode=WAL" {
			continue
		}
		if _, err := handle.Exec(p); err != nil {
			handle.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return &Database{DB: handle}, nil
}

// Close releases the underlying handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
