package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Config selects where the journal lives. An empty Path keeps it in memory
// for the life of the process.
type Config struct {
	Path string
}

// EnsureDir creates the directory holding path if missing.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Open opens the SQLite journal with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	var dsn string
	if cfg.Path == "" {
		dsn = fmt.Sprintf("file:heroinit-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	} else {
		if err := EnsureDir(cfg.Path); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", cfg.Path)
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps an in-memory database alive.
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// InMemory reports whether cfg selects the in-memory journal.
func (c Config) InMemory() bool {
	return c.Path == ""
}
