package state

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// Querier is the part of sqlx the stores use. *DB and *sqlx.Tx both
// satisfy it, so a store can be rebound to a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Rebind(query string) string
}

var (
	_ Querier = (*DB)(nil)
	_ Querier = (*sqlx.Tx)(nil)
)
