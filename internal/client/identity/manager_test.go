package identity

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider implements Provider with a configurable function.
type fakeProvider struct {
	AuthorizeFunc func(ctx context.Context, opts AuthorizeOptions) (*Delegation, error)
	calls         atomic.Int32
}

func (f *fakeProvider) Authorize(ctx context.Context, opts AuthorizeOptions) (*Delegation, error) {
	f.calls.Add(1)
	return f.AuthorizeFunc(ctx, opts)
}

var testNow = time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)

func grant(account string) func(context.Context, AuthorizeOptions) (*Delegation, error) {
	return func(context.Context, AuthorizeOptions) (*Delegation, error) {
		return &Delegation{Token: "tok-" + account, AccountID: account, ExpiresAt: testNow.Add(time.Hour)}, nil
	}
}

func newTestManager(p Provider, store SessionStore) *Manager {
	m := NewManager(p, store, Options{}, nil)
	m.now = func() time.Time { return testNow }
	return m
}

func TestManager_LoginLifecycle(t *testing.T) {
	p := &fakeProvider{AuthorizeFunc: grant("abc-123")}
	m := newTestManager(p, &MemoryStore{})

	assert.False(t, m.IsAuthenticated())
	_, err := m.AccountID()
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	s, err := m.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc-123", s.AccountID)
	assert.True(t, s.Authenticated)
	assert.True(t, m.IsAuthenticated())

	for i := 0; i < 3; i++ {
		id, err := m.AccountID()
		require.NoError(t, err)
		assert.Equal(t, "abc-123", id)
	}
	tok, err := m.BearerToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-abc-123", tok)

	// A second login reuses the live session.
	_, err = m.Login(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.calls.Load())

	require.NoError(t, m.Logout())
	assert.False(t, m.IsAuthenticated())
	_, err = m.AccountID()
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = m.BearerToken(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestManager_PassesMaxLifetime(t *testing.T) {
	var got AuthorizeOptions
	p := &fakeProvider{AuthorizeFunc: func(ctx context.Context, opts AuthorizeOptions) (*Delegation, error) {
		got = opts
		return grant("abc-123")(ctx, opts)
	}}
	m := newTestManager(p, &MemoryStore{})
	_, err := m.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, got.MaxSessionLifetime)
}

func TestManager_CapsExpiry(t *testing.T) {
	p := &fakeProvider{AuthorizeFunc: func(context.Context, AuthorizeOptions) (*Delegation, error) {
		return &Delegation{Token: "t", AccountID: "a", ExpiresAt: testNow.Add(30 * 24 * time.Hour)}, nil
	}}
	m := newTestManager(p, &MemoryStore{})
	s, err := m.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(DefaultMaxSessionLifetime), s.ExpiresAt)
}

func TestManager_LoginFailureReasons(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{"cancelled", ErrCancelled, ReasonCancelled},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ReasonNetwork},
		{"provider", &ProviderError{Code: "server_error"}, ReasonProvider},
		{"unknown", errors.New("boom"), ReasonProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{AuthorizeFunc: func(context.Context, AuthorizeOptions) (*Delegation, error) {
				return nil, tt.err
			}}
			m := newTestManager(p, &MemoryStore{})

			_, err := m.Login(context.Background())
			var failed *AuthenticationFailedError
			require.ErrorAs(t, err, &failed)
			assert.Equal(t, tt.want, failed.Reason)
			assert.ErrorIs(t, err, tt.err)

			state, last := m.State()
			assert.Equal(t, Unauthenticated, state)
			assert.ErrorAs(t, last, &failed)
			assert.False(t, m.IsAuthenticated())
		})
	}
}

func TestManager_RejectsExpiredDelegation(t *testing.T) {
	p := &fakeProvider{AuthorizeFunc: func(context.Context, AuthorizeOptions) (*Delegation, error) {
		return &Delegation{Token: "t", AccountID: "a", ExpiresAt: testNow.Add(-time.Minute)}, nil
	}}
	m := newTestManager(p, &MemoryStore{})
	_, err := m.Login(context.Background())
	var failed *AuthenticationFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, ReasonProvider, failed.Reason)
}

func TestManager_ConcurrentLoginsCoalesce(t *testing.T) {
	release := make(chan struct{})
	p := &fakeProvider{AuthorizeFunc: func(ctx context.Context, opts AuthorizeOptions) (*Delegation, error) {
		<-release
		return grant("abc-123")(ctx, opts)
	}}
	m := newTestManager(p, &MemoryStore{})

	var wg sync.WaitGroup
	results := make([]Session, 5)
	errs := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Login(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool {
		state, _ := m.State()
		return state == Authenticating
	}, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, p.calls.Load())
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "abc-123", results[i].AccountID)
	}
}

func TestManager_AbandonedLogin(t *testing.T) {
	release := make(chan struct{})
	p := &fakeProvider{AuthorizeFunc: func(ctx context.Context, opts AuthorizeOptions) (*Delegation, error) {
		<-release
		return grant("abc-123")(ctx, opts)
	}}
	m := newTestManager(p, &MemoryStore{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Login(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	var failed *AuthenticationFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, ReasonCancelled, failed.Reason)

	// The provider answering late must not break the manager.
	close(release)
	require.Eventually(t, m.IsAuthenticated, time.Second, 5*time.Millisecond)
}

func TestManager_LogoutDuringLogin(t *testing.T) {
	release := make(chan struct{})
	p := &fakeProvider{AuthorizeFunc: func(ctx context.Context, opts AuthorizeOptions) (*Delegation, error) {
		<-release
		return grant("abc-123")(ctx, opts)
	}}
	store := &MemoryStore{}
	m := newTestManager(p, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Login(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.Error(t, <-done)

	require.NoError(t, m.Logout())
	close(release)

	// Wait for the handshake to finish and record its outcome.
	require.Eventually(t, func() bool {
		state, err := m.State()
		return state == Unauthenticated && err != nil
	}, time.Second, 5*time.Millisecond)

	state, err := m.State()
	assert.Equal(t, Unauthenticated, state)
	var failed *AuthenticationFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, ReasonCancelled, failed.Reason)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	assert.False(t, m.IsAuthenticated())
	_, err = m.AccountID()
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	d, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, d, "dropped handshake must not persist its delegation")

	// A login started after the logout is unaffected.
	require.Eventually(t, func() bool {
		_, err := m.Login(context.Background())
		return err == nil
	}, time.Second, 5*time.Millisecond)
	id, err := m.AccountID()
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
}

func TestManager_DiscardsStaleIdentity(t *testing.T) {
	store := &MemoryStore{}
	m := newTestManager(&fakeProvider{AuthorizeFunc: grant("abc-123")}, store)
	_, err := m.Login(context.Background())
	require.NoError(t, err)

	// The provider's storage no longer holds the delegation.
	require.NoError(t, store.Clear())
	_, err = m.AccountID()
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	state, _ := m.State()
	assert.Equal(t, Unauthenticated, state)
}

func TestManager_Expiry(t *testing.T) {
	store := &MemoryStore{}
	m := newTestManager(&fakeProvider{AuthorizeFunc: grant("abc-123")}, store)
	_, err := m.Login(context.Background())
	require.NoError(t, err)

	m.now = func() time.Time { return testNow.Add(2 * time.Hour) }
	assert.False(t, m.IsAuthenticated())
	d, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, d, "expired delegation should be cleared")
}

func TestManager_RestoresStoredSession(t *testing.T) {
	store := &MemoryStore{}
	require.NoError(t, store.Save(&Delegation{Token: "t", AccountID: "abc-123", ExpiresAt: testNow.Add(time.Hour)}))

	p := &fakeProvider{AuthorizeFunc: grant("other")}
	m := newTestManager(p, store)
	assert.True(t, m.IsAuthenticated())
	s, err := m.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc-123", s.AccountID)
	assert.Zero(t, p.calls.Load())
}

type failingStore struct{ MemoryStore }

func (*failingStore) Save(*Delegation) error { return errors.New("disk full") }

func TestManager_SaveFailure(t *testing.T) {
	m := newTestManager(&fakeProvider{AuthorizeFunc: grant("abc-123")}, &failingStore{})
	_, err := m.Login(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist session")
	assert.False(t, m.IsAuthenticated())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unauthenticated", Unauthenticated.String())
	assert.Equal(t, "authenticating", Authenticating.String())
	assert.Equal(t, "authenticated", Authenticated.String())
}
