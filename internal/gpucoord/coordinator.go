// Package gpucoord is the C5 GPU Coordinator: an advisory, non-blocking
// protocol for sharing the heavy GPU with a co-tenant LLM server.
//
// Before any work needing more than a few gigabytes of device memory, the
// coordinator asks the co-tenant to unload via a zero-keep-alive generate
// call. The co-tenant reloads lazily on its own next request; there is no
// lock, and a failed unload never blocks pipeline work — it is only
// recorded so the caller can choose a smaller batch size if it wishes.
package gpucoord

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const unloadTimeout = 10 * time.Second

// Coordinator serialises heavy-GPU access with a co-tenant process over
// HTTP. A zero-value URL disables coordination entirely (RequestUnload
// always reports success immediately), matching deployments with no
// co-tenant.
type Coordinator struct {
	generateURL string
	logger      *slog.Logger
	http        *http.Client
}

// New constructs a Coordinator targeting the co-tenant's generate endpoint.
// An empty generateURL disables coordination.
func New(generateURL string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		generateURL: generateURL,
		logger:      logger,
		http:        &http.Client{Timeout: unloadTimeout},
	}
}

// unloadRequest asks for zero new tokens with keep_alive=0, which most
// local-inference servers interpret as "unload the model after this call".
type unloadRequest struct {
	KeepAlive int `json:"keep_alive"`
	MaxTokens int `json:"max_tokens"`
}

// RequestUnload asks the co-tenant to release GPU memory before heavy work
// begins. It never returns an error: failure is advisory only and is
// reported via the returned bool so callers can log it or shrink their
// batch size, but must proceed with the work regardless.
func (c *Coordinator) RequestUnload(ctx context.Context) bool {
	if c.generateURL == "" {
		return true
	}

	body, err := json.Marshal(unloadRequest{KeepAlive: 0, MaxTokens: 0})
	if err != nil {
		c.logger.Warn("gpucoord: marshal unload request failed", "err", err)
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, unloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.generateURL, bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("gpucoord: build unload request failed", "err", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("gpucoord: unload request failed; proceeding without it", "err", err)
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		c.logger.Warn("gpucoord: unload request returned non-2xx", "status", resp.StatusCode)
	}
	return ok
}
