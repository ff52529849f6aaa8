package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// NewSQLite returns a Backend over a SQLite database file, creating the
// parent directory if needed.
func NewSQLite(path string) (Backend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	return newSQLStore(dsn, dialect{
		driver: "sqlite3",
		configure: func(db *sql.DB) {
			// One writer; savepoints and transactions stay on one connection.
			db.SetMaxOpenConns(1)
			db.SetConnMaxLifetime(30 * time.Minute)
		},
	}), nil
}
