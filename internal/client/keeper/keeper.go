// Package keeper is the boundary presentation code talks to. It ties the
// session, the remote vault and the local cache together and makes sure a
// refresh never interleaves with a mutation.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/hexlock/internal/client/cache"
	"github.com/atinyakov/hexlock/internal/client/identity"
	"github.com/atinyakov/hexlock/internal/client/passgen"
	"github.com/atinyakov/hexlock/internal/client/vault"
	"github.com/atinyakov/hexlock/internal/models"
)

// ErrStaleCache is returned when a mutation succeeded but the follow-up
// refresh failed, so the cache may not reflect it yet.
var ErrStaleCache = errors.New("mutation applied but cache could not be refreshed")

// Session is the part of identity.Manager the keeper uses.
type Session interface {
	Login(ctx context.Context) (identity.Session, error)
	Logout() error
	AccountID() (string, error)
	Session() (identity.Session, error)
	State() (identity.State, error)
}

// Remote is the part of vault.Client the keeper uses.
type Remote interface {
	cache.Lister
	AddEntry(ctx context.Context, accountID, site, username, secret string) error
	EditEntry(ctx context.Context, accountID, site, username, secret string) error
	DeleteEntry(ctx context.Context, accountID, site, username, secret string) error
	EditEntryByID(ctx context.Context, accountID, id, site, username, secret string) error
	DeleteEntryByID(ctx context.Context, accountID, id string) error
}

// Sealer encrypts secrets before they leave the client.
type Sealer interface {
	Seal(plain string) (string, error)
	Open(value string) (string, error)
}

// Keeper serializes mutations and refreshes per client.
type Keeper struct {
	session Session
	remote  Remote
	cache   *cache.Cache
	gen     *passgen.Generator
	sealer  Sealer
	log     *zap.Logger

	mu sync.Mutex
}

// New returns a Keeper. sealer may be nil, in which case secrets are sent as
// entered.
func New(session Session, remote Remote, gen *passgen.Generator, sealer Sealer, log *zap.Logger) *Keeper {
	if log == nil {
		log = zap.NewNop()
	}
	var lister cache.Lister = remote
	if sealer != nil {
		lister = &openingLister{remote: remote, sealer: sealer, log: log}
	}
	return &Keeper{
		session: session,
		remote:  remote,
		cache:   cache.New(lister, log),
		gen:     gen,
		sealer:  sealer,
		log:     log,
	}
}

// Login signs in, or returns the live session.
func (k *Keeper) Login(ctx context.Context) (identity.Session, error) {
	s, err := k.session.Login(ctx)
	if err != nil {
		return identity.Session{}, err
	}
	if k.cache.Account() != s.AccountID {
		k.cache.Clear()
	}
	return s, nil
}

// Logout ends the session and drops every cached credential.
func (k *Keeper) Logout() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cache.Clear()
	return k.session.Logout()
}

// Session returns the live session.
func (k *Keeper) Session() (identity.Session, error) {
	return k.session.Session()
}

// State returns the login state and the last login failure, if any.
func (k *Keeper) State() (identity.State, error) {
	return k.session.State()
}

// Refresh reloads the cache from the store. On failure the previous entries
// stay searchable.
func (k *Keeper) Refresh(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	account, err := k.liveAccount()
	if err != nil {
		return err
	}
	return k.cache.Refresh(ctx, account)
}

// Search filters the cached entries of the signed-in account.
func (k *Keeper) Search(query string) ([]models.Credential, error) {
	account, err := k.liveAccount()
	if err != nil {
		return nil, err
	}
	if k.cache.Account() != account {
		k.cache.Clear()
		return []models.Credential{}, nil
	}
	return k.cache.Search(query), nil
}

// Stale reports whether the cache may be behind the store.
func (k *Keeper) Stale() bool {
	return k.cache.Stale()
}

// RefreshedAt returns when the cache last matched the store, or the zero
// time if it never did.
func (k *Keeper) RefreshedAt() time.Time {
	return k.cache.RefreshedAt()
}

// AddEntry stores a new credential and refreshes the cache.
func (k *Keeper) AddEntry(ctx context.Context, site, username, secret string) error {
	return k.mutate(ctx, func(ctx context.Context, account string) error {
		sealed, err := k.seal(secret)
		if err != nil {
			return err
		}
		return k.remote.AddEntry(ctx, account, site, username, sealed)
	})
}

// EditEntry sets a new secret on the only entry matching (site, username).
func (k *Keeper) EditEntry(ctx context.Context, site, username, secret string) error {
	return k.mutate(ctx, func(ctx context.Context, account string) error {
		if k.sealer == nil {
			return k.remote.EditEntry(ctx, account, site, username, secret)
		}
		// Sealed secrets are not comparable on the store, resolve locally.
		matches, err := k.resolve(ctx, account, func(c models.Credential) bool {
			return c.Site == site && c.Username == username
		})
		if err != nil {
			return err
		}
		if len(matches) > 1 {
			return &vault.RemoteRejectedError{Status: http.StatusConflict, Detail: "ambiguous entry"}
		}
		sealed, err := k.seal(secret)
		if err != nil {
			return err
		}
		return k.remote.EditEntryByID(ctx, account, matches[0].ID, site, username, sealed)
	})
}

// DeleteEntry removes every entry equal to (site, username, secret).
func (k *Keeper) DeleteEntry(ctx context.Context, site, username, secret string) error {
	return k.mutate(ctx, func(ctx context.Context, account string) error {
		if k.sealer == nil {
			return k.remote.DeleteEntry(ctx, account, site, username, secret)
		}
		matches, err := k.resolve(ctx, account, func(c models.Credential) bool {
			return c.Site == site && c.Username == username && c.Secret == secret
		})
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := k.remote.DeleteEntryByID(ctx, account, m.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// EditEntryByID overwrites the entry with the given id.
func (k *Keeper) EditEntryByID(ctx context.Context, id, site, username, secret string) error {
	return k.mutate(ctx, func(ctx context.Context, account string) error {
		sealed, err := k.seal(secret)
		if err != nil {
			return err
		}
		return k.remote.EditEntryByID(ctx, account, id, site, username, sealed)
	})
}

// DeleteEntryByID removes the entry with the given id.
func (k *Keeper) DeleteEntryByID(ctx context.Context, id string) error {
	return k.mutate(ctx, func(ctx context.Context, account string) error {
		return k.remote.DeleteEntryByID(ctx, account, id)
	})
}

// GeneratePassword returns a new random password. It needs no session.
func (k *Keeper) GeneratePassword() (string, error) {
	return k.gen.Generate()
}

func (k *Keeper) liveAccount() (string, error) {
	account, err := k.session.AccountID()
	if err != nil {
		k.cache.Clear()
		return "", err
	}
	return account, nil
}

// mutate runs fn and then refreshes the cache, holding the lock throughout so
// no refresh can start in between. A failed fn leaves the cache stale.
func (k *Keeper) mutate(ctx context.Context, fn func(ctx context.Context, account string) error) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	account, err := k.liveAccount()
	if err != nil {
		return err
	}
	if err := fn(ctx, account); err != nil {
		// fn may have changed the store before failing.
		k.cache.Invalidate()
		k.log.Warn("mutation failed", zap.Error(err))
		return err
	}
	if err := k.cache.Refresh(ctx, account); err != nil {
		return fmt.Errorf("%w: %w", ErrStaleCache, err)
	}
	return nil
}

// resolve refreshes the cache and returns the entries matching keep. It fails
// like the store would when nothing matches.
func (k *Keeper) resolve(ctx context.Context, account string, keep func(models.Credential) bool) ([]models.Credential, error) {
	if err := k.cache.Refresh(ctx, account); err != nil {
		return nil, err
	}
	var out []models.Credential
	for _, c := range k.cache.All() {
		if keep(c) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, &vault.RemoteRejectedError{Status: http.StatusNotFound, Detail: "entry not found"}
	}
	return out, nil
}

func (k *Keeper) seal(secret string) (string, error) {
	if k.sealer == nil {
		return secret, nil
	}
	return k.sealer.Seal(secret)
}

// openingLister opens sealed secrets as they are listed. Entries that cannot
// be opened keep their sealed value.
type openingLister struct {
	remote cache.Lister
	sealer Sealer
	log    *zap.Logger
}

func (l *openingLister) ListEntries(ctx context.Context, accountID string) ([]models.Credential, error) {
	records, err := l.remote.ListEntries(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for i := range records {
		plain, err := l.sealer.Open(records[i].Secret)
		if err != nil {
			l.log.Warn("cannot open secret", zap.String("id", records[i].ID), zap.Error(err))
			continue
		}
		records[i].Secret = plain
	}
	return records, nil
}
