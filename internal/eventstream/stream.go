// Package eventstream implements the C8 Event Stream: one server-sent-events
// generator per session, polling the session record and its dedicated
// readiness keys for changes and pushing only the deltas to the client.
package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiaraoke/verdict/internal/apperr"
	"github.com/kiaraoke/verdict/internal/domain"
	"github.com/kiaraoke/verdict/internal/sessionstore"
)

const (
	defaultPollInterval      = 500 * time.Millisecond
	defaultHeartbeatInterval = 15 * time.Second
	defaultTimeout           = 10 * time.Minute
)

// Key prefixes for the dedicated readiness keys written by internal/refprep
// (reference stems) and internal/analysis (user stems), read here through
// sessionstore.ReadyAt rather than the session record itself.
const (
	referenceTracksReadyPrefix = "tracks_ready:"
	userTracksReadyPrefix      = "user_tracks_ready:"
)

// Stream drives SSE generators over session state held in sessionstore.
type Stream struct {
	sessions          *sessionstore.Store
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	timeout           time.Duration
	logger            *slog.Logger
}

// New constructs a Stream with the package's default poll/heartbeat/timeout
// intervals (500ms / 15s / 10min, per §4.C8).
func New(sessions *sessionstore.Store, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		sessions:          sessions,
		pollInterval:      defaultPollInterval,
		heartbeatInterval: defaultHeartbeatInterval,
		timeout:           defaultTimeout,
		logger:            logger,
	}
}

// sseEvent is one "event: <name>\ndata: <json>\n\n" frame.
type sseEvent struct {
	name string
	data any
}

// ServeHTTP drives one session's SSE stream until the client disconnects,
// the session reaches a terminal state, or the stream's own timeout elapses.
// It never buffers: every event is flushed as soon as it is written, and the
// X-Accel-Buffering header hints reverse proxies to do the same.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, sseEvent{name: "connected", data: map[string]string{"session_id": sessionID}}); err != nil {
		return
	}
	flusher.Flush()

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()
	heartbeatTicker := time.NewTicker(s.heartbeatInterval)
	defer heartbeatTicker.Stop()

	start := time.Now()
	tracker := newChangeTracker()

	for {
		select {
		case <-ctx.Done():
			_ = writeSSE(w, sseEvent{name: "timeout", data: map[string]any{}})
			flusher.Flush()
			return

		case <-heartbeatTicker.C:
			if err := writeSSE(w, sseEvent{name: "heartbeat", data: map[string]int{
				"elapsed_seconds": int(time.Since(start).Seconds()),
			}}); err != nil {
				return
			}
			flusher.Flush()

		case <-pollTicker.C:
			done := s.poll(ctx, w, flusher, sessionID, tracker)
			if done {
				return
			}
		}
	}
}

// changeTracker holds the last-observed value of every field the stream
// emits on change, so a poll that sees nothing new writes nothing.
type changeTracker struct {
	haveState          bool
	lastState          domain.SessionState
	lastProgressStep   string
	referenceReadySeen bool
	userReadySeen      bool
}

func newChangeTracker() *changeTracker {
	return &changeTracker{}
}

// poll runs a single polling iteration, writing any state-change events it
// observes, and reports whether the stream has reached a terminal event
// (analysis_complete or analysis_error) and should close.
func (s *Stream) poll(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID string, tr *changeTracker) bool {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return true
		}
		s.logger.Warn("eventstream: poll failed, retrying", "session_id", sessionID, "err", err)
		return false
	}

	if !tr.haveState || sess.State != tr.lastState {
		if err := writeSSE(w, sseEvent{name: "session_status", data: map[string]string{"state": string(sess.State)}}); err != nil {
			return true
		}
		flusher.Flush()
		tr.lastState = sess.State
		tr.haveState = true
	}

	if !tr.referenceReadySeen && sess.ReferenceVideoID != "" {
		if _, err := s.sessions.ReadyAt(ctx, referenceTracksReadyPrefix+sess.ReferenceVideoID); err == nil {
			tr.referenceReadySeen = true
			if err := writeSSE(w, sseEvent{name: "tracks_ready", data: map[string]any{}}); err != nil {
				return true
			}
			flusher.Flush()
		}
	}

	if !tr.userReadySeen {
		if _, err := s.sessions.ReadyAt(ctx, userTracksReadyPrefix+sessionID); err == nil {
			tr.userReadySeen = true
			if err := writeSSE(w, sseEvent{name: "user_tracks_ready", data: map[string]any{}}); err != nil {
				return true
			}
			flusher.Flush()
		}
	}

	if sess.Progress != nil && sess.Progress.Step != tr.lastProgressStep {
		if err := writeSSE(w, sseEvent{name: "analysis_progress", data: sess.Progress}); err != nil {
			return true
		}
		flusher.Flush()
		tr.lastProgressStep = sess.Progress.Step
	}

	switch sess.State {
	case domain.StateCompleted:
		_ = writeSSE(w, sseEvent{name: "analysis_complete", data: sess.Result})
		flusher.Flush()
		return true
	case domain.StateError:
		_ = writeSSE(w, sseEvent{name: "analysis_error", data: map[string]string{"error": sess.ErrorText}})
		flusher.Flush()
		return true
	}

	return false
}

func writeSSE(w http.ResponseWriter, e sseEvent) error {
	data, err := json.Marshal(e.data)
	if err != nil {
		return fmt.Errorf("eventstream: marshal %s event: %w", e.name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.name, data)
	if err != nil {
		return fmt.Errorf("eventstream: write %s event: %w", e.name, err)
	}
	return nil
}
