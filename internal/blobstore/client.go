// Package blobstore is a typed wrapper over an HTTP object store, providing
// Put/Get/Head/Delete with a bounded, reused connection pool and retry on
// transient upstream failures (§4.C1).
//
// Exactly one Client should exist per process; it is constructed once in
// main and passed to the constructor of every pipeline that needs it (DESIGN NOTE
// "Global mutable singletons → constructor-injected clients").
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiaraoke/verdict/internal/apperr"
)

const (
	maxIdleConns        = 10
	maxIdleConnsPerHost = 5

	putAttempts  = 3
	putBaseDelay = 1500 * time.Millisecond

	uploadTimeout   = 120 * time.Second
	downloadTimeout = 180 * time.Second
	existsTimeout   = 5 * time.Second
	deleteTimeout   = 10 * time.Second
)

var retryableStatus = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true,
}

// Client is a bounded-pool HTTP client over an object store with a
// bearer-token-authenticated bucket namespace.
//
// Client is safe for concurrent use; callers should construct exactly one
// instance per process and share it.
type Client struct {
	baseURL string
	bucket  string
	token   string
	logger  *slog.Logger
	http    *http.Client
}

// New creates a Client backed by a shared, bounded connection pool (at most
// maxIdleConns total, maxIdleConnsPerHost keep-alive), reused across every
// Put/Get/Head/Delete call. Opening a fresh connection per call is forbidden
// by the backing store's process limits.
func New(baseURL, bucket, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL: baseURL,
		bucket:  bucket,
		token:   token,
		logger:  logger,
		http:    &http.Client{Transport: transport},
	}
}

// PublicURL returns the public URL for a bucket-relative key.
func (c *Client) PublicURL(key string) string {
	return fmt.Sprintf("%s/files/%s/%s", c.baseURL, c.bucket, key)
}

// Put uploads bytes under key with the given content type, returning the
// public URL. It retries on network errors and {429,500,502,503,504} with
// 1.5s * 2^n backoff, up to three attempts, and surfaces
// apperr.ErrUpstreamUnavailable once attempts are exhausted.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	url := fmt.Sprintf("%s/api/put", c.baseURL)
	var lastErr error

	for attempt := 1; attempt <= putAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, url, bytes.NewReader(data))
		if err != nil {
			cancel()
			return "", fmt.Errorf("blobstore: put %q: build request: %w", key, err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-File-Path", c.bucket+"/"+key)

		resp, err := c.http.Do(req)
		cancel()
		if err != nil {
			lastErr = err
			c.logger.Warn("blobstore put network error, retrying", "key", key, "attempt", attempt, "err", err)
			c.sleepBackoff(ctx, attempt)
			continue
		}
		func() { defer resp.Body.Close(); io.Copy(io.Discard, resp.Body) }()

		if retryableStatus[resp.StatusCode] {
			lastErr = fmt.Errorf("retryable status %d", resp.StatusCode)
			c.logger.Warn("blobstore put retryable status, retrying", "key", key, "attempt", attempt, "status", resp.StatusCode)
			c.sleepBackoff(ctx, attempt)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("blobstore: put %q: status %d: %w", key, resp.StatusCode, apperr.ErrUpstreamUnavailable)
		}
		return c.PublicURL(key), nil
	}

	return "", fmt.Errorf("blobstore: put %q failed after %d attempts: %v: %w", key, putAttempts, lastErr, apperr.ErrUpstreamUnavailable)
}

// PutFile uploads the local file at path under key and returns the public URL.
func (c *Client) PutFile(ctx context.Context, path, key, contentType string) (string, error) {
	data, err := readFile(path)
	if err != nil {
		return "", fmt.Errorf("blobstore: put_file %q: %w", path, err)
	}
	return c.Put(ctx, key, data, contentType)
}

// Get downloads the bytes stored at key. It does not retry; NotFound and
// UpstreamUnavailable are surfaced distinctly.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.PublicURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %q: build request: %w", key, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %q: %w: %v", key, apperr.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("blobstore: get %q: %w", key, apperr.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("blobstore: get %q: status %d: %w", key, resp.StatusCode, apperr.ErrUpstreamUnavailable)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %q: read body: %w", key, err)
	}
	return data, nil
}

// GetToFile downloads key to a local destination path, streaming the body to
// avoid buffering large files entirely in memory.
func (c *Client) GetToFile(ctx context.Context, key, dest string) error {
	reqCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.PublicURL(key), nil)
	if err != nil {
		return fmt.Errorf("blobstore: get_to_file %q: build request: %w", key, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("blobstore: get_to_file %q: %w: %v", key, apperr.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("blobstore: get_to_file %q: %w", key, apperr.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("blobstore: get_to_file %q: status %d: %w", key, resp.StatusCode, apperr.ErrUpstreamUnavailable)
	}
	return writeFile(dest, resp.Body)
}

// Exists reports whether key is present. It is a hint, not a guarantee: any
// error (network, timeout, non-200) is treated as absence.
func (c *Client) Exists(ctx context.Context, key string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, existsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, c.PublicURL(key), nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Delete removes key. It is best-effort and never returns an error to the
// caller; failures are logged.
func (c *Client) Delete(ctx context.Context, key string) {
	reqCtx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodDelete, c.PublicURL(key), nil)
	if err != nil {
		c.logger.Warn("blobstore delete: build request failed", "key", key, "err", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("blobstore delete failed (non-fatal)", "key", key, "err", err)
		return
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		c.logger.Warn("blobstore delete non-2xx", "key", key, "status", resp.StatusCode)
	}
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) {
	if attempt >= putAttempts {
		return
	}
	delay := putBaseDelay * time.Duration(1<<uint(attempt-1))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}
