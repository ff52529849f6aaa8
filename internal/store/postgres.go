package store

import (
	"strings"

	_ "github.com/lib/pq"
)

// NewPostgres returns a Backend over a Postgres DSN. The schema is created on
// first use.
func NewPostgres(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return newSQLStore(dsn, dialect{driver: "postgres", numbered: true}), nil
}
