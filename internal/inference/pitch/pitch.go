// Package pitch wraps the dedicated pitch-extraction GPU service (§4.C4-pitch).
// It runs on its own device and needs no co-tenant coordination, unlike
// source separation.
package pitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiaraoke/verdict/internal/apperr"
	"github.com/kiaraoke/verdict/internal/domain"
)

const requestTimeout = 3 * time.Minute

// Mode selects the pitch model: Fast uses a tiny model for reference
// preparation's warm path, Accurate uses the full model for scored analysis.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeAccurate Mode = "accurate"
)

// Client calls the dedicated pitch-extraction service.
type Client struct {
	endpoint string
	apiKey   string
	logger   *slog.Logger
	http     *http.Client
}

// New builds a Client targeting the pitch-extraction service endpoint.
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

type extractRequest struct {
	VocalsURL string `json:"vocals_url"`
	Mode      Mode   `json:"mode"`
}

// Extract requests a pitch contour over vocalsURL (a blob-store URL to a
// vocals stem) at the given mode, returning the decoded contour on the
// fixed 10ms grid.
func (c *Client) Extract(ctx context.Context, vocalsURL string, mode Mode) (domain.PitchContour, error) {
	body, err := json.Marshal(extractRequest{VocalsURL: vocalsURL, Mode: mode})
	if err != nil {
		return domain.PitchContour{}, fmt.Errorf("pitch: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/extract", bytes.NewReader(body))
	if err != nil {
		return domain.PitchContour{}, fmt.Errorf("pitch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.PitchContour{}, fmt.Errorf("pitch: %w: %v", apperr.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("pitch service returned non-200", "status", resp.StatusCode, "mode", mode)
		return domain.PitchContour{}, fmt.Errorf("pitch: %w: status %d", apperr.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var contour domain.PitchContour
	if err := json.NewDecoder(resp.Body).Decode(&contour); err != nil {
		return domain.PitchContour{}, fmt.Errorf("pitch: %w: decode response: %v", apperr.ErrIntegrity, err)
	}
	if len(contour.Frames) == 0 {
		return domain.PitchContour{}, fmt.Errorf("pitch: %w: empty contour", apperr.ErrIntegrity)
	}

	return contour, nil
}
