// Package service provides the business logic of the vault store,
// delegating persistence to repository interfaces.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atinyakov/hexlock/internal/models"
)

var (
	// ErrInvalidEntry is returned for entries without a site or a secret.
	ErrInvalidEntry = errors.New("site and secret are required")
	// ErrNotFound is returned when no credential matches a request.
	ErrNotFound = errors.New("credential not found")
	// ErrAmbiguous is returned when an edit by login matches more than one credential.
	ErrAmbiguous = errors.New("more than one credential matches")
)

// AccountRepository defines the account operations needed by the VaultService.
type AccountRepository interface {
	// AccountExists reports whether the principal has ever stored a credential.
	AccountExists(ctx context.Context, principal string) (bool, error)
	// EnsureAccount creates the account if it does not exist yet.
	EnsureAccount(ctx context.Context, principal string) error
}

// CredentialRepository defines the credential operations needed by the VaultService.
type CredentialRepository interface {
	Insert(ctx context.Context, account string, c models.Credential) (time.Time, error)
	List(ctx context.Context, account string) ([]models.Credential, error)
	UpdateByID(ctx context.Context, account, id string, e models.Entry) (bool, error)
	UpdateSecretByLogin(ctx context.Context, account string, e models.Entry) (int, error)
	SoftDeleteByID(ctx context.Context, account, id string) (bool, error)
	SoftDeleteMatching(ctx context.Context, account string, e models.Entry) (int, error)
}

// VaultService implements the credential operations of an account.
type VaultService struct {
	accounts AccountRepository
	creds    CredentialRepository
	newID    func() string
}

// NewVaultService constructs a VaultService over the given repositories.
func NewVaultService(accounts AccountRepository, creds CredentialRepository) *VaultService {
	return &VaultService{
		accounts: accounts,
		creds:    creds,
		newID:    func() string { return uuid.NewString() },
	}
}

// Add stores e as a new credential and returns it with its id and modification time.
// The account is created on its first write.
func (s *VaultService) Add(ctx context.Context, account string, e models.Entry) (models.Credential, error) {
	if err := validate(e); err != nil {
		return models.Credential{}, err
	}
	if err := s.accounts.EnsureAccount(ctx, account); err != nil {
		return models.Credential{}, fmt.Errorf("ensure account: %w", err)
	}

	c := models.Credential{ID: s.newID(), Site: e.Site, Username: e.Username, Secret: e.Secret}
	modified, err := s.creds.Insert(ctx, account, c)
	if err != nil {
		return models.Credential{}, err
	}
	c.LastModified = &modified
	return c, nil
}

// List returns every live credential of the account. Unknown accounts have none.
func (s *VaultService) List(ctx context.Context, account string) ([]models.Credential, error) {
	exists, err := s.accounts.AccountExists(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("check account: %w", err)
	}
	if !exists {
		return []models.Credential{}, nil
	}
	return s.creds.List(ctx, account)
}

// Edit replaces the secret of the credential identified by (site, username).
// Exactly one credential must match.
func (s *VaultService) Edit(ctx context.Context, account string, e models.Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	n, err := s.creds.UpdateSecretByLogin(ctx, account, e)
	if err != nil {
		return err
	}
	switch {
	case n == 0:
		return ErrNotFound
	case n > 1:
		return ErrAmbiguous
	}
	return nil
}

// Delete removes every credential equal to e.
func (s *VaultService) Delete(ctx context.Context, account string, e models.Entry) error {
	n, err := s.creds.SoftDeleteMatching(ctx, account, e)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// EditByID overwrites the credential with the given id.
func (s *VaultService) EditByID(ctx context.Context, account, id string, e models.Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	ok, err := s.creds.UpdateByID(ctx, account, id, e)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// DeleteByID removes the credential with the given id.
func (s *VaultService) DeleteByID(ctx context.Context, account, id string) error {
	ok, err := s.creds.SoftDeleteByID(ctx, account, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func validate(e models.Entry) error {
	if strings.TrimSpace(e.Site) == "" || e.Secret == "" {
		return ErrInvalidEntry
	}
	return nil
}
