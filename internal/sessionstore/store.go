// Package sessionstore is the C2 Session Store: a Redis-backed record of
// in-flight performance sessions, keyed by session ID with a sliding TTL.
//
// The original implementation this engine replaces updated session records
// with a plain GET-then-SETEX, which loses concurrent writers racing between
// the read and the write. Merge here runs as a single Lua script so the
// read-modify-write is atomic on the server, matching §4.C2's requirement
// that a backing store with scripting support use it instead of
// client-side locking.
package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kiaraoke/verdict/internal/apperr"
	"github.com/kiaraoke/verdict/internal/domain"
)

const keyPrefix = "session:"

// mergeFallbackTTL is the TTL applied by mergeScript when the target key has
// no TTL yet (first merge into a key that somehow bypassed Create). §4.C2
// mandates a 1h fallback here regardless of the store's own session TTL.
const mergeFallbackTTL = time.Hour

// readyTTL is the TTL applied to the dedicated readiness keys written by
// MarkReady. §4.C6's readiness notification step mandates these live 1h,
// independent of the session record's own TTL.
const readyTTL = time.Hour

func key(id string) string {
	return keyPrefix + id
}

// mergeScript atomically loads the JSON blob at KEYS[1], shallow-merges the
// JSON object ARGV[1] into it field by field, and writes the result back
// with its remaining TTL preserved (or ARGV[2] seconds if the key has no
// TTL / does not yet exist). It returns the merged JSON document.
//
// Redis has no native JSON merge, so the merge itself happens in Lua using
// cjson; only top-level fields are merged, which matches the flat session
// record shape in internal/domain.
var mergeScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
local base = {}
if existing then
  base = cjson.decode(existing)
end
local patch = cjson.decode(ARGV[1])
for k, v in pairs(patch) do
  base[k] = v
end
local encoded = cjson.encode(base)

local ttl = redis.call("TTL", KEYS[1])
if ttl == nil or ttl < 0 then
  ttl = tonumber(ARGV[2])
end

redis.call("SETEX", KEYS[1], ttl, encoded)
return encoded
`)

// Store is a Redis-backed session record store.
//
// Store is safe for concurrent use.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// New constructs a Store over an existing Redis client. ttl is the initial
// TTL applied when a session is created; merges preserve whatever TTL
// currently remains, and a merge into a key with no TTL applies
// mergeFallbackTTL instead.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = domain.SessionTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// Create writes a brand-new session record with the store's default TTL.
func (s *Store) Create(ctx context.Context, sess *domain.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal session %s: %w", sess.ID, err)
	}
	if err := s.rdb.SetEx(ctx, key(sess.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("sessionstore: create %s: %w: %v", sess.ID, apperr.ErrUpstreamUnavailable, err)
	}
	return nil
}

// Get reads and fully decodes the session record for id. It returns
// apperr.ErrNotFound if no record exists.
func (s *Store) Get(ctx context.Context, id string) (*domain.Session, error) {
	data, err := s.rdb.Get(ctx, key(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("sessionstore: get %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sessionstore: get %s: %w: %v", id, apperr.ErrUpstreamUnavailable, err)
	}
	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("sessionstore: decode %s: %w", id, err)
	}
	return &sess, nil
}

// Merge atomically applies patch (a set of top-level field updates encoded
// as JSON-compatible values) into the existing session record for id,
// preserving the record's remaining TTL. It is the only safe way to update
// a session concurrently with other writers; see the package doc comment.
func (s *Store) Merge(ctx context.Context, id string, patch map[string]any) (*domain.Session, error) {
	encoded, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: marshal patch for %s: %w", id, err)
	}

	result, err := mergeScript.Run(ctx, s.rdb, []string{key(id)}, string(encoded), int(mergeFallbackTTL.Seconds())).Result()
	if err != nil {
		return nil, fmt.Errorf("sessionstore: merge %s: %w: %v", id, apperr.ErrUpstreamUnavailable, err)
	}

	merged, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("sessionstore: merge %s: %w: unexpected script result type", id, apperr.ErrIntegrity)
	}

	var sess domain.Session
	if err := json.Unmarshal([]byte(merged), &sess); err != nil {
		return nil, fmt.Errorf("sessionstore: decode merged %s: %w", id, err)
	}
	return &sess, nil
}

// Delete removes the session record for id. It does not error if the record
// is already absent.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, key(id)).Err(); err != nil {
		return fmt.Errorf("sessionstore: delete %s: %w: %v", id, apperr.ErrUpstreamUnavailable, err)
	}
	return nil
}

// IDs returns every session ID currently present in the store, for the
// cleanup reaper's age-based sweep. It uses a non-blocking SCAN cursor walk
// rather than KEYS so a large key space never stalls other Redis clients.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("sessionstore: scan ids: %w: %v", apperr.ErrUpstreamUnavailable, err)
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, keyPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}

// readyKeyPrefix namespaces dedicated readiness keys (tracks_ready,
// user_tracks_ready) away from the session record itself, per §4.C6's
// "Readiness notification" step: these are written with a plain SET rather
// than routed through Merge so C8's polling loop never races a concurrent
// field-merge of the session record.
const readyKeyPrefix = "ready:"

func readyKey(id string) string {
	return readyKeyPrefix + id
}

// MarkReady records a readiness timestamp against a dedicated key distinct
// from the session record. at is stored as an RFC3339 timestamp with a fixed
// 1h TTL (readyTTL), independent of the store's own session TTL.
func (s *Store) MarkReady(ctx context.Context, readyKeyID string, at time.Time) error {
	if err := s.rdb.SetEx(ctx, readyKey(readyKeyID), at.Format(time.RFC3339Nano), readyTTL).Err(); err != nil {
		return fmt.Errorf("sessionstore: mark ready %s: %w: %v", readyKeyID, apperr.ErrUpstreamUnavailable, err)
	}
	return nil
}

// ReadyAt reads the readiness timestamp for readyKeyID, returning
// apperr.ErrNotFound if it has not been marked ready (or has expired).
func (s *Store) ReadyAt(ctx context.Context, readyKeyID string) (time.Time, error) {
	raw, err := s.rdb.Get(ctx, readyKey(readyKeyID)).Result()
	if err == redis.Nil {
		return time.Time{}, fmt.Errorf("sessionstore: ready at %s: %w", readyKeyID, apperr.ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("sessionstore: ready at %s: %w: %v", readyKeyID, apperr.ErrUpstreamUnavailable, err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("sessionstore: ready at %s: %w: %v", readyKeyID, apperr.ErrIntegrity, err)
	}
	return t, nil
}
