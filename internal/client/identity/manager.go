package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxSessionLifetime is the lifetime requested from the provider.
	DefaultMaxSessionLifetime = 7 * 24 * time.Hour
	// DefaultLoginTimeout bounds a single handshake.
	DefaultLoginTimeout = 5 * time.Minute
)

// Options configure a Manager.
type Options struct {
	MaxSessionLifetime time.Duration
	LoginTimeout       time.Duration
}

// Manager owns the session. It is safe for concurrent use; concurrent Login
// calls share one handshake.
type Manager struct {
	provider Provider
	store    SessionStore
	opts     Options
	log      *zap.Logger
	now      func() time.Time

	group singleflight.Group

	mu             sync.Mutex
	current        *Delegation
	authenticating bool
	lastErr        error
	// generation is bumped by Logout. A handshake started under an older
	// generation must not install its delegation.
	generation uint64
}

// NewManager returns a Manager in the Unauthenticated state unless store
// already holds a live delegation.
func NewManager(provider Provider, store SessionStore, opts Options, log *zap.Logger) *Manager {
	if opts.MaxSessionLifetime <= 0 {
		opts.MaxSessionLifetime = DefaultMaxSessionLifetime
	}
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = DefaultLoginTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		provider: provider,
		store:    store,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

// Login returns the live session, running the provider handshake if there is
// none. Cancelling ctx abandons the wait; the handshake itself keeps running
// until it finishes or LoginTimeout elapses.
func (m *Manager) Login(ctx context.Context) (Session, error) {
	if d, err := m.live(); err == nil {
		return d.session(), nil
	}

	ch := m.group.DoChan("login", func() (any, error) {
		return m.authorize()
	})
	select {
	case <-ctx.Done():
		return Session{}, &AuthenticationFailedError{Reason: ReasonCancelled, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

func (m *Manager) authorize() (Session, error) {
	m.mu.Lock()
	m.authenticating = true
	gen := m.generation
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.LoginTimeout)
	defer cancel()

	d, err := m.provider.Authorize(ctx, AuthorizeOptions{MaxSessionLifetime: m.opts.MaxSessionLifetime})
	now := m.now()
	if err == nil && !d.Live(now) {
		err = &ProviderError{Code: "invalid_delegation", Description: "empty or expired delegation"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.authenticating = false
	if err == nil && m.generation != gen {
		err = &AuthenticationFailedError{
			Reason: ReasonCancelled,
			Err:    fmt.Errorf("logged out during login: %w", ErrNotAuthenticated),
		}
	}
	if err == nil {
		if limit := now.Add(m.opts.MaxSessionLifetime); d.ExpiresAt.After(limit) {
			d.ExpiresAt = limit
		}
		if saveErr := m.store.Save(d); saveErr != nil {
			err = fmt.Errorf("persist session: %w", saveErr)
		}
	}
	if err != nil {
		var failed *AuthenticationFailedError
		if !errors.As(err, &failed) {
			failed = &AuthenticationFailedError{Reason: classify(err), Err: err}
		}
		m.current = nil
		m.lastErr = failed
		m.log.Warn("login failed", zap.String("reason", string(failed.Reason)), zap.Error(err))
		return Session{}, failed
	}
	m.current = d
	m.lastErr = nil
	m.log.Info("logged in", zap.String("account", d.AccountID), zap.Time("expires_at", d.ExpiresAt))
	return d.session(), nil
}

// live returns the current delegation after re-confirming it with the store.
// An in-memory identity the store no longer backs is discarded.
func (m *Manager) live() (*Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.store.Load()
	if err != nil {
		m.log.Warn("load session", zap.Error(err))
		d = nil
	}
	if !d.Live(m.now()) {
		if m.current != nil {
			m.log.Info("discarding stale identity", zap.String("account", m.current.AccountID))
			m.current = nil
		}
		if d != nil {
			if err := m.store.Clear(); err != nil {
				m.log.Warn("clear expired session", zap.Error(err))
			}
		}
		return nil, ErrNotAuthenticated
	}
	if m.current != nil && m.current.AccountID != d.AccountID {
		m.log.Info("session switched account",
			zap.String("from", m.current.AccountID), zap.String("to", d.AccountID))
	}
	m.current = d
	return d, nil
}

// IsAuthenticated reports whether a live session exists. It only consults
// the local session store.
func (m *Manager) IsAuthenticated() bool {
	_, err := m.live()
	return err == nil
}

// Session returns a copy of the live session.
func (m *Manager) Session() (Session, error) {
	d, err := m.live()
	if err != nil {
		return Session{}, err
	}
	return d.session(), nil
}

// AccountID returns the account identifier of the live session.
func (m *Manager) AccountID() (string, error) {
	d, err := m.live()
	if err != nil {
		return "", err
	}
	return d.AccountID, nil
}

// BearerToken returns the delegation token to present to the vault.
func (m *Manager) BearerToken(context.Context) (string, error) {
	d, err := m.live()
	if err != nil {
		return "", err
	}
	return d.Token, nil
}

// Logout drops the session both in memory and in the store.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.log.Info("logged out", zap.String("account", m.current.AccountID))
	}
	m.current = nil
	m.lastErr = nil
	m.generation++
	if err := m.store.Clear(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// State returns the current state and, when Unauthenticated after a failed
// login, the failure.
func (m *Manager) State() (State, error) {
	m.mu.Lock()
	authenticating := m.authenticating
	lastErr := m.lastErr
	m.mu.Unlock()

	if authenticating {
		return Authenticating, nil
	}
	if m.IsAuthenticated() {
		return Authenticated, nil
	}
	return Unauthenticated, lastErr
}
