// Package lyrics wraps the two-provider lyrics lookup (§4.C4-lyr): a synced
// provider tried first, then a plain-text provider, with a negative result
// from both cached to avoid retry storms against upstreams that have
// already said no.
package lyrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kiaraoke/verdict/internal/apperr"
	"github.com/kiaraoke/verdict/internal/artifactcache"
	"github.com/kiaraoke/verdict/internal/domain"
)

const requestTimeout = 15 * time.Second

// Query identifies the track to look up lyrics for.
type Query struct {
	Artist   string
	Title    string
	Album    string
	Duration time.Duration
}

// provider is one lyrics source, returning apperr.ErrNotFound when the
// lookup completed but found nothing (distinct from a transport error).
type provider interface {
	Lookup(ctx context.Context, q Query) (domain.LyricsRecord, error)
}

// Client tries the synced provider, then the plain-text provider, caching a
// combined negative result under the reference's fingerprint.
type Client struct {
	synced provider
	plain  provider
	cache  *artifactcache.Cache
}

// New builds a lyrics lookup Client backed by the given providers and the
// shared artifact cache for negative-result suppression.
func New(synced, plain provider, cache *artifactcache.Cache) *Client {
	return &Client{synced: synced, plain: plain, cache: cache}
}

// Lookup tries the synced provider, then the plain-text provider, for q.
// fingerprint identifies the reference track for negative-result caching.
// A prior cached negative short-circuits both providers until its TTL
// expires (§4.C3, 7 days). A negative is cached only when both providers
// answered not-found; a transport failure of either is not cached.
func (c *Client) Lookup(ctx context.Context, fingerprint string, q Query) (domain.LyricsRecord, error) {
	if c.cache != nil {
		if _, err := c.cache.Get(ctx, domain.ClassLyricsNegative, fingerprint); err == nil {
			return domain.LyricsRecord{}, fmt.Errorf("lyrics: %w: cached negative lookup", apperr.ErrNotFound)
		}
	}

	rec, syncedErr := c.synced.Lookup(ctx, q)
	if syncedErr == nil {
		return rec, nil
	}

	rec, plainErr := c.plain.Lookup(ctx, q)
	if plainErr == nil {
		return rec, nil
	}

	if c.cache != nil && errors.Is(syncedErr, apperr.ErrNotFound) && errors.Is(plainErr, apperr.ErrNotFound) {
		if err := c.cache.SetNegative(ctx, fingerprint); err != nil {
			return domain.LyricsRecord{}, fmt.Errorf("lyrics: cache negative result: %w", err)
		}
	}
	return domain.LyricsRecord{}, fmt.Errorf("lyrics: %w: no provider found lyrics", apperr.ErrNotFound)
}

// SyncedProvider looks up line-synced lyrics, the preferred source when
// available (e.g. a Spotify-style synced-lyrics provider).
type SyncedProvider struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewSyncedProvider builds the tier-1 synced-lyrics provider client.
func NewSyncedProvider(endpoint, apiKey string) *SyncedProvider {
	return &SyncedProvider{endpoint: endpoint, apiKey: apiKey, http: &http.Client{Timeout: requestTimeout}}
}

type syncedResponse struct {
	Lines []struct {
		Text    string `json:"text"`
		StartMS int64  `json:"start_ms"`
		EndMS   *int64 `json:"end_ms,omitempty"`
	} `json:"lines"`
}

func (p *SyncedProvider) Lookup(ctx context.Context, q Query) (domain.LyricsRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/synced", nil)
	if err != nil {
		return domain.LyricsRecord{}, err
	}
	query := req.URL.Query()
	query.Set("artist", q.Artist)
	query.Set("title", q.Title)
	if q.Album != "" {
		query.Set("album", q.Album)
	}
	if q.Duration > 0 {
		query.Set("duration", fmt.Sprintf("%d", int64(q.Duration.Seconds())))
	}
	req.URL.RawQuery = query.Encode()
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return domain.LyricsRecord{}, fmt.Errorf("%w: %v", apperr.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.LyricsRecord{}, apperr.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return domain.LyricsRecord{}, fmt.Errorf("%w: status %d", apperr.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var out syncedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.LyricsRecord{}, fmt.Errorf("%w: decode: %v", apperr.ErrIntegrity, err)
	}
	if len(out.Lines) == 0 {
		return domain.LyricsRecord{}, apperr.ErrNotFound
	}

	lines := make([]domain.LyricsLine, 0, len(out.Lines))
	var text string
	for i, l := range out.Lines {
		lines = append(lines, domain.LyricsLine{Text: l.Text, StartMS: l.StartMS, EndMS: l.EndMS})
		if i > 0 {
			text += "\n"
		}
		text += l.Text
	}

	return domain.LyricsRecord{
		Text:       text,
		Lines:      lines,
		Quality:    domain.SyncSynced,
		Provenance: domain.ProvenanceSyncedLookup,
	}, nil
}

// PlainTextProvider looks up plain lyrics with no line timing (e.g. a
// Genius-style search-and-scrape API), the fallback when no synced lyrics
// are available.
type PlainTextProvider struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewPlainTextProvider builds the tier-2 plain-text lyrics provider client.
func NewPlainTextProvider(endpoint, apiKey string) *PlainTextProvider {
	return &PlainTextProvider{endpoint: endpoint, apiKey: apiKey, http: &http.Client{Timeout: requestTimeout}}
}

type plainResponse struct {
	Text   string `json:"text"`
	Status string `json:"status"`
}

func (p *PlainTextProvider) Lookup(ctx context.Context, q Query) (domain.LyricsRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/search", nil)
	if err != nil {
		return domain.LyricsRecord{}, err
	}
	query := req.URL.Query()
	query.Set("q", q.Artist+" "+q.Title)
	req.URL.RawQuery = query.Encode()
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return domain.LyricsRecord{}, fmt.Errorf("%w: %v", apperr.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.LyricsRecord{}, fmt.Errorf("%w: status %d", apperr.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var out plainResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.LyricsRecord{}, fmt.Errorf("%w: decode: %v", apperr.ErrIntegrity, err)
	}
	if out.Status != "found" || out.Text == "" {
		return domain.LyricsRecord{}, apperr.ErrNotFound
	}

	return domain.LyricsRecord{
		Text:       out.Text,
		Quality:    domain.SyncNone,
		Provenance: domain.ProvenanceUnsyncedLookup,
	}, nil
}
