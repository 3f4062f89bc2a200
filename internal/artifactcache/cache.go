// Package artifactcache is the C3 Artifact Cache: a two-tier content-
// addressed cache keyed by fingerprint. The hot tier is an in-process TTL
// map; the cold tier is a PostgreSQL table shared by every artifact class.
package artifactcache

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiaraoke/verdict/internal/apperr"
	"github.com/kiaraoke/verdict/internal/domain"
)

// Cache is the two-tier artifact cache.
//
// Cache is safe for concurrent use.
type Cache struct {
	hot  *hotTier
	cold *coldTier
}

// New constructs a Cache over an existing pgxpool.Pool. The caller must run
// Migrate against the same pool before first use.
func New(pool *pgxpool.Pool) *Cache {
	return &Cache{
		hot:  newHotTier(10 * time.Minute),
		cold: &coldTier{pool: pool},
	}
}

// Get probes the hot tier, then the cold tier, backfilling hot on a cold
// hit. It returns apperr.ErrNotFound if no live entry exists in either tier.
func (c *Cache) Get(ctx context.Context, class domain.ArtifactClass, fingerprint string) (domain.CacheEntry, error) {
	now := time.Now()

	if e, ok := c.hot.get(class, fingerprint, now); ok {
		return e, nil
	}

	e, ok, err := c.cold.get(ctx, class, fingerprint)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("artifactcache: get %s/%s: %w", class, fingerprint, err)
	}
	if !ok || e.Expired(now) {
		return domain.CacheEntry{}, fmt.Errorf("artifactcache: get %s/%s: %w", class, fingerprint, apperr.ErrNotFound)
	}

	c.hot.set(e, now)
	return e, nil
}

// Set upserts entry into both tiers. ExpiresAt is computed from the
// artifact class's TTL policy if the caller leaves it zero.
func (c *Cache) Set(ctx context.Context, entry domain.CacheEntry) error {
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = expiryFor(entry.Class, now)
	}

	if err := c.cold.upsert(ctx, entry); err != nil {
		return fmt.Errorf("artifactcache: set %s/%s: %w", entry.Class, entry.Fingerprint, err)
	}
	c.hot.set(entry, now)
	return nil
}

// SetNegative caches a negative lookup (e.g. "no synced lyrics found for
// this track") under ClassLyricsNegative with its short suppression TTL, to
// prevent retry storms against an upstream that has already said no.
func (c *Cache) SetNegative(ctx context.Context, fingerprint string) error {
	return c.Set(ctx, domain.CacheEntry{
		Fingerprint: fingerprint,
		Class:       domain.ClassLyricsNegative,
		Provenance:  "negative",
	})
}

// SelectBest chooses the highest-priority live entry for class among all
// candidates, preferring an exact reference-fingerprint match, then the
// provenance order user-corrected < professional < generated (§4.C3
// Priority). It returns apperr.ErrNotFound if no live entries exist.
func (c *Cache) SelectBest(ctx context.Context, class domain.ArtifactClass, preferredFingerprint string) (domain.CacheEntry, error) {
	now := time.Now()
	candidates, err := c.cold.listByClass(ctx, class, now)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("artifactcache: select best %s: %w", class, err)
	}
	if len(candidates) == 0 {
		return domain.CacheEntry{}, fmt.Errorf("artifactcache: select best %s: %w", class, apperr.ErrNotFound)
	}

	best := candidates[0]
	for _, cand := range candidates[1:] {
		if better(cand, best, preferredFingerprint) {
			best = cand
		}
	}
	c.hot.set(best, now)
	return best, nil
}

func better(a, b domain.CacheEntry, preferredFingerprint string) bool {
	aExact := a.Fingerprint == preferredFingerprint
	bExact := b.Fingerprint == preferredFingerprint
	if aExact != bExact {
		return aExact
	}
	if ra, rb := rankOf(a.Provenance), rankOf(b.Provenance); ra != rb {
		return ra < rb
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// CleanupExpired deletes every expired cold-tier row, returning the count
// removed. Invoked on demand and from the C9 reaper.
func (c *Cache) CleanupExpired(ctx context.Context) (int64, error) {
	c.hot.deleteExpired(time.Now())
	n, err := c.cold.deleteExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("artifactcache: cleanup expired: %w", err)
	}
	return n, nil
}

// Close stops the hot tier's background janitor.
func (c *Cache) Close() {
	c.hot.Stop()
}
