// Package transcribe wraps the three-tier speech-to-text client (§4.C4-stt):
// a shared HTTP inference service, a public API provider, and a locally
// embedded whisper.cpp model disabled by default. This package only composes
// the three tiers into one request; once every tier has failed the error is
// returned and no outer retry follows (internal/taskqueue runs each task
// once and only logs its error).
package transcribe

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
	"github.com/kiaraoke/verdict/internal/resilience"
)

const requestTimeout = 2 * time.Minute

// Request is a single speech-to-text request over a vocals stem. The HTTP
// and public-API tiers fetch VocalsURL themselves; the local tier instead
// requires the caller to have already decoded the stem to mono 16kHz PCM
// and attached it as PCM16kHzMono, since whisper.cpp takes raw samples, not
// a URL.
type Request struct {
	VocalsURL    string
	Language     string
	Prompt       string
	PCM16kHzMono []float32
}

// tierClient is the minimal surface each STT tier implements.
type tierClient interface {
	Transcribe(ctx context.Context, req Request) (domain.Transcription, error)
}

// Client composes the three STT tiers behind a resilience.FallbackGroup.
type Client struct {
	group *resilience.FallbackGroup[tierClient]
}

// New builds a three-tier Client. local may be nil (or localEnabled false)
// to match the local tier being disabled by default; in that case only the
// HTTP and public-API tiers are registered.
func New(httpTier, publicTier tierClient, local tierClient, localEnabled bool, cfg resilience.FallbackConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	group := resilience.NewFallbackGroup(httpTier, "shared-http", cfg)
	group.AddFallback("public-api", publicTier)
	if localEnabled && local != nil {
		group.AddFallback("local", local)
	}
	return &Client{group: group}
}

// Transcribe runs req against the tiers in order.
func (c *Client) Transcribe(ctx context.Context, req Request) (domain.Transcription, error) {
	result, err := resilience.ExecuteWithResult(c.group, func(t tierClient) (domain.Transcription, error) {
		return t.Transcribe(ctx, req)
	})
	if err != nil {
		return domain.Transcription{}, fmt.Errorf("transcribe: %w: %v", apperr.ErrUpstreamUnavailable, err)
	}
	return result, nil
}

// HTTPTier calls a dedicated HTTP speech-to-text service, the shared-whisper
// tier in production.
type HTTPTier struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewHTTPTier builds the tier-1 dedicated HTTP STT service client.
func NewHTTPTier(endpoint, apiKey string) *HTTPTier {
	return &HTTPTier{endpoint: endpoint, apiKey: apiKey, http: &http.Client{Timeout: requestTimeout}}
}

type transcribeRequest struct {
	VocalsURL string `json:"vocals_url"`
	Language  string `json:"language,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	VADFilter bool   `json:"vad_filter"`
}

func (t *HTTPTier) Transcribe(ctx context.Context, req Request) (domain.Transcription, error) {
	body, err := json.Marshal(transcribeRequest{
		VocalsURL: req.VocalsURL,
		Language:  req.Language,
		Prompt:    req.Prompt,
		VADFilter: true,
	})
	if err != nil {
		return domain.Transcription{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/asr", bytes.NewReader(body))
	if err != nil {
		return domain.Transcription{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	resp, err := t.http.Do(httpReq)
	if err != nil {
		return domain.Transcription{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.Transcription{}, fmt.Errorf("shared-whisper: status %d", resp.StatusCode)
	}
	var out domain.Transcription
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Transcription{}, err
	}
	return out, nil
}

// PublicAPITier calls a public-cloud Whisper-compatible API (the free-tier
// fallback when the shared tier is down).
type PublicAPITier struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
}

// NewPublicAPITier builds the tier-2 public API STT client.
func NewPublicAPITier(endpoint, apiKey, model string) *PublicAPITier {
	return &PublicAPITier{endpoint: endpoint, apiKey: apiKey, model: model, http: &http.Client{Timeout: requestTimeout}}
}

func (t *PublicAPITier) Transcribe(ctx context.Context, req Request) (domain.Transcription, error) {
	body, err := json.Marshal(transcribeRequest{
		VocalsURL: req.VocalsURL,
		Language:  req.Language,
		Prompt:    req.Prompt,
	})
	if err != nil {
		return domain.Transcription{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Transcription{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	resp, err := t.http.Do(httpReq)
	if err != nil {
		return domain.Transcription{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.Transcription{}, fmt.Errorf("public stt api: status %d", resp.StatusCode)
	}
	var out domain.Transcription
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Transcription{}, err
	}
	return out, nil
}
