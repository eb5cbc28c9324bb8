package db

import "context"

// Database is the minimal database abstraction used by the repositories.
// It is satisfied by the MySQL implementation below and by test fakes.
type Database interface {
	Querier

	// Transaction executes fn inside a transaction, committing on nil error
	// and rolling back otherwise.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	// BeginTx starts a transaction for callers that manage commit/rollback
	// themselves.
	BeginTx(ctx context.Context) (Transaction, error)

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	// Close closes the underlying pool.
	Close() error
}

// Transaction is a database transaction.
type Transaction interface {
	Querier

	Commit() error
	Rollback() error
}

// Querier abstracts query operations shared by databases and transactions.
type Querier interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
}

// Rows is an iterator over query results.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is a single-row query result.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result reports the outcome of an Exec.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}
