// Package cache holds the last known credential list of the active account
// and searches it locally.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/hexlock/internal/models"
)

// Lister fetches the full credential list of an account.
type Lister interface {
	ListEntries(ctx context.Context, accountID string) ([]models.Credential, error)
}

// Cache is safe for concurrent use. It never applies mutations itself;
// contents only change through Refresh or Clear.
type Cache struct {
	lister Lister
	log    *zap.Logger

	mu        sync.RWMutex
	account   string
	records   []models.Credential
	stale     bool
	refreshed time.Time
}

// New returns an empty Cache backed by lister.
func New(lister Lister, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{lister: lister, log: log}
}

// Refresh replaces the contents with the account's current list. On failure
// the previous contents are kept if they belong to the same account and
// dropped otherwise.
func (c *Cache) Refresh(ctx context.Context, accountID string) error {
	records, err := c.lister.ListEntries(ctx, accountID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.account != accountID {
			c.account = accountID
			c.records = nil
		}
		c.stale = true
		c.log.Warn("refresh failed, keeping last known entries",
			zap.String("account", accountID), zap.Int("kept", len(c.records)), zap.Error(err))
		return fmt.Errorf("refresh: %w", err)
	}

	c.account = accountID
	c.records = records
	c.stale = false
	c.refreshed = time.Now()
	c.log.Debug("cache refreshed", zap.String("account", accountID), zap.Int("entries", len(records)))
	return nil
}

// Search returns the records whose site or username contains query,
// ignoring case. An empty query returns everything.
func (c *Cache) Search(query string) []models.Credential {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q := strings.ToLower(query)
	out := make([]models.Credential, 0, len(c.records))
	for _, r := range c.records {
		if q == "" ||
			strings.Contains(strings.ToLower(r.Site), q) ||
			strings.Contains(strings.ToLower(r.Username), q) {
			out = append(out, r)
		}
	}
	return out
}

// All returns a copy of the cached records.
func (c *Cache) All() []models.Credential {
	return c.Search("")
}

// Invalidate marks the contents as untrusted until the next successful
// Refresh.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// Stale reports whether the contents may differ from the store.
func (c *Cache) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale || c.refreshed.IsZero()
}

// RefreshedAt returns the time of the last successful Refresh.
func (c *Cache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshed
}

// Account returns the account the contents belong to.
func (c *Cache) Account() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account = ""
	c.records = nil
	c.stale = false
	c.refreshed = time.Time{}
}
