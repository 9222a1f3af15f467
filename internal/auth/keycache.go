// ABOUTME: Process-wide signing key cache shared by every session
// ABOUTME: Single atomic slot with a TTL; refreshes are collapsed into one fetch

package auth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultKeyTTL is how long fetched keys are served before a refresh.
const DefaultKeyTTL = 24 * time.Hour

// ErrKeyUnavailable is returned when no fresh signing key can be obtained.
var ErrKeyUnavailable = errors.New("signing key unavailable")

// fetchTimeout bounds a refresh that outlives the caller that started it.
const fetchTimeout = 15 * time.Second

// DefaultMissRefreshInterval is the minimum age of the cached keys before an
// unknown key ID triggers an early refresh.
const DefaultMissRefreshInterval = time.Minute

type keySlot struct {
	keys      KeySet
	fetchedAt time.Time
}

// KeyCache holds the most recently fetched KeySet. Readers always see a whole
// slot, either the old one or the new one.
type KeyCache struct {
	fetcher Fetcher
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	slot  atomic.Pointer[keySlot]
	group singleflight.Group

	// MissRefreshInterval limits refreshes caused by unknown key IDs.
	MissRefreshInterval time.Duration

	// OnRefresh, if set, is called after every fetch attempt.
	OnRefresh func(err error)
}

// NewKeyCache creates an empty cache. ttl <= 0 uses DefaultKeyTTL.
func NewKeyCache(fetcher Fetcher, ttl time.Duration, logger *slog.Logger) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyCache{
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger.With("component", "keycache"),
		now:     time.Now,

		MissRefreshInterval: DefaultMissRefreshInterval,
	}
}

// Prime performs the startup fetch. Callers treat its error as fatal.
func (c *KeyCache) Prime(ctx context.Context) error {
	if _, err := c.refresh(ctx, c.fresh); err != nil {
		return fmt.Errorf("priming signing keys: %w", err)
	}
	return nil
}

// Keys returns the cached KeySet, refreshing it first when it is absent or
// older than the TTL. Concurrent callers share one in-flight fetch.
func (c *KeyCache) Keys(ctx context.Context) (KeySet, error) {
	if s := c.slot.Load(); c.fresh(s) {
		return s.keys, nil
	}
	return c.refresh(ctx, c.fresh)
}

// Key returns the key for kid. An empty kid matches when exactly one key is cached.
// An unknown kid refetches once, so rotated keys are picked up before the TTL
// runs out, unless the cached keys are younger than MissRefreshInterval.
func (c *KeyCache) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	if k, ok := lookup(keys, kid); ok {
		return k, nil
	}

	keys, err = c.refresh(ctx, c.recent)
	if err != nil {
		return nil, err
	}
	if k, ok := lookup(keys, kid); ok {
		return k, nil
	}
	return nil, fmt.Errorf("%w: unknown key id %q", ErrKeyUnavailable, kid)
}

func lookup(keys KeySet, kid string) (crypto.PublicKey, bool) {
	if kid == "" && len(keys) == 1 {
		for _, k := range keys {
			return k, true
		}
	}
	k, ok := keys[kid]
	return k, ok
}

// Ready reports whether the cache holds keys, fresh or not.
func (c *KeyCache) Ready() bool {
	return c.slot.Load() != nil
}

// FetchedAt returns when the cached keys were fetched, or the zero time.
func (c *KeyCache) FetchedAt() time.Time {
	if s := c.slot.Load(); s != nil {
		return s.fetchedAt
	}
	return time.Time{}
}

func (c *KeyCache) fresh(s *keySlot) bool {
	return s != nil && c.now().Sub(s.fetchedAt) < c.ttl
}

func (c *KeyCache) recent(s *keySlot) bool {
	return s != nil && c.now().Sub(s.fetchedAt) < c.MissRefreshInterval
}

// refresh fetches new keys unless skip reports the cached slot good enough.
func (c *KeyCache) refresh(ctx context.Context, skip func(*keySlot) bool) (KeySet, error) {
	ch := c.group.DoChan("keys", func() (any, error) {
		// Another caller may have refreshed while we queued.
		if s := c.slot.Load(); skip(s) {
			return s.keys, nil
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()

		keys, err := c.fetcher.Fetch(fetchCtx)
		if c.OnRefresh != nil {
			c.OnRefresh(err)
		}
		if err != nil {
			c.logger.Warn("signing key refresh failed", "error", err)
			return nil, err
		}

		c.slot.Store(&keySlot{keys: keys, fetchedAt: c.now()})
		c.logger.Info("signing keys refreshed", "count", len(keys))
		return keys, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, res.Err)
		}
		return res.Val.(KeySet), nil
	}
}
