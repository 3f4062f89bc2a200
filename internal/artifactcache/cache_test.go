package artifactcache_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiaraoke/verdict/internal/apperr"
	"github.com/kiaraoke/verdict/internal/artifactcache"
	"github.com/kiaraoke/verdict/internal/domain"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VERDICT_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VERDICT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VERDICT_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestCache(t *testing.T) *artifactcache.Cache {
	t.Helper()
	ctx := context.Background()
	dsn := testDSN(t)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS artifacts"); err != nil {
		t.Fatalf("drop artifacts: %v", err)
	}
	if err := artifactcache.Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	c := artifactcache.New(pool)
	t.Cleanup(c.Close)
	return c
}

func TestSetAndGetRoundtrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	entry := domain.CacheEntry{
		Fingerprint: "fp-1",
		Class:       domain.ClassLyricsSynced,
		Payload:     []byte("lyrics"),
		Provenance:  "professional",
	}
	if err := c.Set(ctx, entry); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := c.Get(ctx, domain.ClassLyricsSynced, "fp-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Payload) != "lyrics" {
		t.Errorf("Payload = %q", got.Payload)
	}
	if got.ExpiresAt.Before(time.Now().Add(300 * day)) {
		t.Errorf("expected ~365 day TTL for synced lyrics, got expiry %v", got.ExpiresAt)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Get(context.Background(), domain.ClassStems, "absent")
	if err == nil {
		t.Fatal("expected error")
	}
	if !isNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSelectBestOnlyConsidersRequestedClass(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for _, e := range []domain.CacheEntry{
		{Fingerprint: "generated-fp", Class: domain.ClassWordTimingsGenerated, Payload: []byte("g"), Provenance: "generated"},
		{Fingerprint: "professional-fp", Class: domain.ClassWordTimingsProfessional, Payload: []byte("p"), Provenance: "professional"},
	} {
		if err := c.Set(ctx, e); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	// The professional entry lives in another class, so it is never a
	// candidate: the generated class's only entry is returned even though it
	// does not match the preferred fingerprint.
	best, err := c.SelectBest(ctx, domain.ClassWordTimingsGenerated, "nonexistent")
	if err != nil {
		t.Fatalf("SelectBest: %v", err)
	}
	if best.Fingerprint != "generated-fp" {
		t.Errorf("best = %q, want generated-fp", best.Fingerprint)
	}
}

func TestCleanupExpiredRemovesPastEntries(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	expired := domain.CacheEntry{
		Fingerprint: "old",
		Class:       domain.ClassLyricsNegative,
		Payload:     []byte{},
		CreatedAt:   time.Now().Add(-30 * day),
		ExpiresAt:   time.Now().Add(-23 * day),
	}
	if err := c.Set(ctx, expired); err != nil {
		t.Fatalf("Set: %v", err)
	}

	n, err := c.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("cleaned %d rows, want 1", n)
	}

	_, err = c.Get(ctx, domain.ClassLyricsNegative, "old")
	if !isNotFound(err) {
		t.Errorf("expected expired entry to read back as not found, got %v", err)
	}
}

const day = 24 * time.Hour

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, apperr.ErrNotFound)
}
