// Package separation wraps the external source-separation service (§4.C4-sep):
// a single heavy-GPU tier that splits an original recording into vocals and
// instrumentals stems. Like the pitch client and unlike the tiered C4
// clients (transcribe, lyrics, judge) there is no fallback tier — GPU
// unavailability is retryable by the caller, a corrupt response
// is fatal.
package separation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiaraoke/verdict/internal/apperr"
)

const requestTimeout = 10 * time.Minute

// Stems is the pair of separated audio stems, each raw 44.1kHz stereo WAV
// bytes.
type Stems struct {
	Vocals        []byte
	Instrumentals []byte
}

// Client calls a single dedicated source-separation HTTP service.
type Client struct {
	endpoint string
	apiKey   string
	logger   *slog.Logger
	http     *http.Client
}

// New builds a Client targeting a single separation service endpoint.
func New(endpoint, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		logger:   logger,
		http:     &http.Client{Timeout: requestTimeout},
	}
}

type separateRequest struct {
	AudioURL string `json:"audio_url"`
}

type separateResponse struct {
	VocalsURL        string `json:"vocals_url"`
	InstrumentalsURL string `json:"instrumentals_url"`
}

// Separate submits originalURL (a blob-store URL the separation service can
// fetch directly) and downloads the resulting stems.
//
// Errors are classified per §4.C4-sep: a non-2xx or network failure is
// wrapped in apperr.ErrUpstreamUnavailable (the retryable class; neither this
// client nor the task queue retries it); a 200 response whose stems fail to download or are empty is
// wrapped in apperr.ErrIntegrity (fatal, not retried by this client).
func (c *Client) Separate(ctx context.Context, originalURL string) (Stems, error) {
	body, err := json.Marshal(separateRequest{AudioURL: originalURL})
	if err != nil {
		return Stems{}, fmt.Errorf("separation: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/separate", bytes.NewReader(body))
	if err != nil {
		return Stems{}, fmt.Errorf("separation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Stems{}, fmt.Errorf("separation: %w: %v", apperr.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("separation service returned non-200", "status", resp.StatusCode)
		return Stems{}, fmt.Errorf("separation: %w: status %d", apperr.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var out separateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Stems{}, fmt.Errorf("separation: %w: decode response: %v", apperr.ErrIntegrity, err)
	}

	vocals, err := c.fetch(ctx, out.VocalsURL)
	if err != nil {
		return Stems{}, fmt.Errorf("separation: %w: vocals stem: %v", apperr.ErrIntegrity, err)
	}
	instrumentals, err := c.fetch(ctx, out.InstrumentalsURL)
	if err != nil {
		return Stems{}, fmt.Errorf("separation: %w: instrumentals stem: %v", apperr.ErrIntegrity, err)
	}
	if len(vocals) == 0 || len(instrumentals) == 0 {
		return Stems{}, fmt.Errorf("separation: %w: empty stem payload", apperr.ErrIntegrity)
	}

	return Stems{Vocals: vocals, Instrumentals: instrumentals}, nil
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
