// Package identity manages the session obtained from the delegated identity
// provider and maps it to the account identifier used by the vault.
package identity

import (
	"context"
	"time"
)

// State is the position of a Manager in its login state machine.
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// Session is the caller-facing view of the current login.
type Session struct {
	AccountID     string
	Authenticated bool
	ExpiresAt     time.Time
}

// Delegation is what a provider hands back on a successful sign-in and what
// a SessionStore persists.
type Delegation struct {
	Token     string    `json:"token"`
	AccountID string    `json:"account_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether d can still be used at now.
func (d *Delegation) Live(now time.Time) bool {
	return d != nil && d.Token != "" && d.AccountID != "" && now.Before(d.ExpiresAt)
}

func (d *Delegation) session() Session {
	return Session{AccountID: d.AccountID, Authenticated: true, ExpiresAt: d.ExpiresAt}
}

// AuthorizeOptions are passed to the provider for each sign-in.
type AuthorizeOptions struct {
	// MaxSessionLifetime caps the lifetime of the returned delegation.
	MaxSessionLifetime time.Duration
}

// Provider runs one sign-in handshake. Authorize blocks until the provider
// reports success or failure, or ctx is done.
type Provider interface {
	Authorize(ctx context.Context, opts AuthorizeOptions) (*Delegation, error)
}

// SessionStore is the provider's local session storage. Load returns
// (nil, nil) when nothing is stored.
type SessionStore interface {
	Load() (*Delegation, error)
	Save(d *Delegation) error
	Clear() error
}
