// Package repository provides PostgreSQL persistence for vault accounts and
// their credentials.
package repository

import (
	"context"
	"database/sql"
)

// PostgresAccountRepository implements account operations using a PostgreSQL database.
type PostgresAccountRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresAccountRepository creates a new PostgresAccountRepository with the given database connection.
// db must be a valid *sql.DB connected to a PostgreSQL instance.
func NewPostgresAccountRepository(db *sql.DB) *PostgresAccountRepository {
	return &PostgresAccountRepository{DB: db}
}

// AccountExists checks whether an account with the specified principal exists in the database.
// It returns true if the account exists, false otherwise.
// If an error occurs during the query, it is returned.
func (s *PostgresAccountRepository) AccountExists(ctx context.Context, principal string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(
		ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE principal = $1)`,
		principal,
	).Scan(&exists)
	return exists, err
}

// EnsureAccount creates the account for principal on its first write.
// If the account already exists, the ON CONFLICT DO NOTHING clause prevents an error.
// Returns any error encountered while executing the insertion.
func (s *PostgresAccountRepository) EnsureAccount(ctx context.Context, principal string) error {
	_, err := s.DB.ExecContext(
		ctx,
		`INSERT INTO accounts (principal) VALUES ($1) ON CONFLICT DO NOTHING`,
		principal,
	)
	return err
}
