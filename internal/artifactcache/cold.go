package artifactcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiaraoke/verdict/internal/domain"
)

type coldTier struct {
	pool *pgxpool.Pool
}

func (c *coldTier) get(ctx context.Context, class domain.ArtifactClass, fingerprint string) (domain.CacheEntry, bool, error) {
	const q = `
		SELECT fingerprint, payload, provenance, model_version, quality, created_at, expires_at
		FROM   artifacts
		WHERE  class = $1 AND fingerprint = $2`

	var e domain.CacheEntry
	var quality []byte
	e.Class = class

	err := c.pool.QueryRow(ctx, q, string(class), fingerprint).Scan(
		&e.Fingerprint, &e.Payload, &e.Provenance, &e.ModelVersion, &quality, &e.CreatedAt, &e.ExpiresAt)
	if err == pgx.ErrNoRows {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("artifactcache: cold get: %w", err)
	}
	if len(quality) > 0 {
		if jerr := json.Unmarshal(quality, &e.Quality); jerr != nil {
			return domain.CacheEntry{}, false, fmt.Errorf("artifactcache: decode quality: %w", jerr)
		}
	}
	return e, true, nil
}

func (c *coldTier) upsert(ctx context.Context, e domain.CacheEntry) error {
	quality, err := json.Marshal(e.Quality)
	if err != nil {
		return fmt.Errorf("artifactcache: encode quality: %w", err)
	}

	const q = `
		INSERT INTO artifacts (class, fingerprint, payload, provenance, model_version, quality, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (class, fingerprint) DO UPDATE SET
		    payload       = EXCLUDED.payload,
		    provenance    = EXCLUDED.provenance,
		    model_version = EXCLUDED.model_version,
		    quality       = EXCLUDED.quality,
		    created_at    = EXCLUDED.created_at,
		    expires_at    = EXCLUDED.expires_at`

	_, err = c.pool.Exec(ctx, q, string(e.Class), e.Fingerprint, e.Payload, e.Provenance, e.ModelVersion, quality, e.CreatedAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("artifactcache: cold upsert: %w", err)
	}
	return nil
}

// listByClass returns every non-expired entry for class, used by
// SelectBest to apply the exact-match/provenance priority rule across
// candidates for the same track.
func (c *coldTier) listByClass(ctx context.Context, class domain.ArtifactClass, now time.Time) ([]domain.CacheEntry, error) {
	const q = `
		SELECT fingerprint, payload, provenance, model_version, quality, created_at, expires_at
		FROM   artifacts
		WHERE  class = $1 AND expires_at > $2`

	rows, err := c.pool.Query(ctx, q, string(class), now)
	if err != nil {
		return nil, fmt.Errorf("artifactcache: cold list: %w", err)
	}
	defer rows.Close()

	var out []domain.CacheEntry
	for rows.Next() {
		var e domain.CacheEntry
		var quality []byte
		e.Class = class
		if err := rows.Scan(&e.Fingerprint, &e.Payload, &e.Provenance, &e.ModelVersion, &quality, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("artifactcache: scan row: %w", err)
		}
		if len(quality) > 0 {
			json.Unmarshal(quality, &e.Quality)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("artifactcache: cold list: %w", err)
	}
	return out, nil
}

func (c *coldTier) deleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := c.pool.Exec(ctx, `DELETE FROM artifacts WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("artifactcache: cleanup expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
