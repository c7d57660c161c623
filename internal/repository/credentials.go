package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/atinyakov/hexlock/internal/models"
)

// PostgresCredentialRepository implements credential storage against a PostgreSQL database.
// Deletes are soft: rows get a deleted_at timestamp and are purged later by the cleaner.
type PostgresCredentialRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresCredentialRepository creates a new PostgresCredentialRepository using the provided *sql.DB.
func NewPostgresCredentialRepository(db *sql.DB) *PostgresCredentialRepository {
	return &PostgresCredentialRepository{DB: db}
}

// Insert stores c for the account and returns the modification time set by the database.
func (s *PostgresCredentialRepository) Insert(ctx context.Context, account string, c models.Credential) (time.Time, error) {
	var modified time.Time
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO credentials (id, account, site, username, secret)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING last_modified
	`, c.ID, account, c.Site, c.Username, c.Secret).Scan(&modified)
	if err != nil {
		return time.Time{}, fmt.Errorf("insert credential: %w", err)
	}
	return modified, nil
}

// List fetches all live credentials of the account in insertion order.
//
//	ctx:     context for cancellation and deadlines
//	account: principal of the account
//
// Returns a slice of models.Credential or an error if the query or scanning fails.
func (s *PostgresCredentialRepository) List(ctx context.Context, account string) ([]models.Credential, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, site, username, secret, last_modified FROM credentials
		WHERE account = $1 AND deleted_at IS NULL
		ORDER BY seq
	`, account)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	creds := make([]models.Credential, 0)
	for rows.Next() {
		var (
			c        models.Credential
			modified time.Time
		)
		if err := rows.Scan(&c.ID, &c.Site, &c.Username, &c.Secret, &modified); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		c.LastModified = &modified
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return creds, nil
}

// UpdateByID overwrites the credential with the given id.
// Returns false if the account has no live credential with that id.
func (s *PostgresCredentialRepository) UpdateByID(ctx context.Context, account, id string, e models.Entry) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE credentials SET site = $3, username = $4, secret = $5, last_modified = now()
		WHERE account = $1 AND id = $2 AND deleted_at IS NULL
	`, account, id, e.Site, e.Username, e.Secret)
	if err != nil {
		return false, fmt.Errorf("update credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update credential: %w", err)
	}
	return n > 0, nil
}

// UpdateSecretByLogin sets a new secret on the credential matching (site, username)
// within a transaction. The update only happens when exactly one credential matches;
// the number of matches is returned either way.
func (s *PostgresCredentialRepository) UpdateSecretByLogin(ctx context.Context, account string, e models.Entry) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ids, err := matchingIDs(ctx, tx, `
		SELECT id FROM credentials
		WHERE account = $1 AND site = $2 AND username = $3 AND deleted_at IS NULL
		FOR UPDATE
	`, account, e.Site, e.Username)
	if err != nil {
		return 0, err
	}
	if len(ids) != 1 {
		return len(ids), nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credentials SET secret = $2, last_modified = now() WHERE id = $1
	`, ids[0], e.Secret); err != nil {
		return 0, fmt.Errorf("update secret: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return 1, nil
}

// SoftDeleteByID marks the credential with the given id as deleted.
// Returns false if the account has no live credential with that id.
func (s *PostgresCredentialRepository) SoftDeleteByID(ctx context.Context, account, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE credentials SET deleted_at = now()
		WHERE account = $1 AND id = $2 AND deleted_at IS NULL
	`, account, id)
	if err != nil {
		return false, fmt.Errorf("delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete credential: %w", err)
	}
	return n > 0, nil
}

// SoftDeleteMatching marks every credential equal to (site, username, secret) as deleted
// and returns how many were removed.
func (s *PostgresCredentialRepository) SoftDeleteMatching(ctx context.Context, account string, e models.Entry) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ids, err := matchingIDs(ctx, tx, `
		SELECT id FROM credentials
		WHERE account = $1 AND site = $2 AND username = $3 AND secret = $4 AND deleted_at IS NULL
		FOR UPDATE
	`, account, e.Site, e.Username, e.Secret)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE credentials SET deleted_at = now() WHERE account = $1 AND id = ANY($2)`,
		account, pq.Array(ids),
	); err != nil {
		return 0, fmt.Errorf("delete credentials: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(ids), nil
}

func matchingIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find credentials: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find credentials: %w", err)
	}
	return ids, nil
}
