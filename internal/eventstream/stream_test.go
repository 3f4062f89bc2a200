package eventstream_test

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kiaraoke/verdict/internal/domain"
	"github.com/kiaraoke/verdict/internal/eventstream"
	"github.com/kiaraoke/verdict/internal/sessionstore"
)

func setup(t *testing.T) (*miniredis.Miniredis, *sessionstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, sessionstore.New(rdb, time.Hour)
}

// flusherRecorder wraps httptest.ResponseRecorder (which already implements
// http.Flusher) and signals a channel on every flush, so tests can observe
// frames as they are written instead of racing the background handler.
type flusherRecorder struct {
	*httptest.ResponseRecorder
	flushed chan struct{}
}

func newFlusherRecorder() *flusherRecorder {
	return &flusherRecorder{ResponseRecorder: httptest.NewRecorder(), flushed: make(chan struct{}, 4096)}
}

func (f *flusherRecorder) Flush() {
	f.ResponseRecorder.Flush()
	select {
	case f.flushed <- struct{}{}:
	default:
	}
}

func waitForFrames(t *testing.T, rec *flusherRecorder, substr string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if strings.Contains(rec.Body.String(), substr) {
			return
		}
		select {
		case <-rec.flushed:
		case <-deadline:
			t.Fatalf("timed out waiting for %q in body, got:\n%s", substr, rec.Body.String())
		}
	}
}

func TestServeHTTPEmitsConnectedAndSessionStatus(t *testing.T) {
	mr, store := setup(t)
	defer mr.Close()
	ctx := context.Background()

	sess := &domain.Session{ID: "s1", State: domain.StateCreated, CreatedAt: time.Now()}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	stream := eventstream.New(store, nil)
	rec := newFlusherRecorder()
	req := httptest.NewRequest(http.MethodGet, "/events/s1", nil)
	reqCtx, cancel := context.WithCancel(req.Context())
	defer cancel()
	req = req.WithContext(reqCtx)

	done := make(chan struct{})
	go func() {
		stream.ServeHTTP(rec, req, "s1")
		close(done)
	}()

	waitForFrames(t, rec, "event: connected", time.Second)
	waitForFrames(t, rec, "event: session_status", time.Second)
	if !strings.Contains(rec.Body.String(), `"state":"created"`) {
		t.Errorf("expected created state in body, got:\n%s", rec.Body.String())
	}

	if _, err := store.Merge(ctx, "s1", map[string]any{"state": string(domain.StateReferencePending)}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	waitForFrames(t, rec, `"state":"reference_pending"`, 2*time.Second)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeHTTP did not return after context cancellation")
	}

	if got := rec.Header().Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("X-Accel-Buffering = %q, want %q", got, "no")
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", got)
	}
}

func TestServeHTTPEmitsTracksReadyAndUserTracksReady(t *testing.T) {
	mr, store := setup(t)
	defer mr.Close()
	ctx := context.Background()

	sess := &domain.Session{ID: "s2", State: domain.StateAnalysing, ReferenceVideoID: "fp-1", CreatedAt: time.Now()}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.MarkReady(ctx, "tracks_ready:fp-1", time.Now().UTC()); err != nil {
		t.Fatalf("MarkReady reference: %v", err)
	}
	if err := store.MarkReady(ctx, "user_tracks_ready:s2", time.Now().UTC()); err != nil {
		t.Fatalf("MarkReady user: %v", err)
	}

	stream := eventstream.New(store, nil)
	rec := newFlusherRecorder()
	req := httptest.NewRequest(http.MethodGet, "/events/s2", nil)
	reqCtx, cancel := context.WithCancel(req.Context())
	defer cancel()
	req = req.WithContext(reqCtx)

	done := make(chan struct{})
	go func() {
		stream.ServeHTTP(rec, req, "s2")
		close(done)
	}()

	waitForFrames(t, rec, "event: tracks_ready", 2*time.Second)
	waitForFrames(t, rec, "event: user_tracks_ready", 2*time.Second)

	cancel()
	<-done
}

func TestServeHTTPClosesOnAnalysisComplete(t *testing.T) {
	mr, store := setup(t)
	defer mr.Close()
	ctx := context.Background()

	sess := &domain.Session{ID: "s3", State: domain.StateAnalysing, CreatedAt: time.Now()}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	stream := eventstream.New(store, nil)
	rec := newFlusherRecorder()
	req := httptest.NewRequest(http.MethodGet, "/events/s3", nil)

	done := make(chan struct{})
	go func() {
		stream.ServeHTTP(rec, req, "s3")
		close(done)
	}()

	waitForFrames(t, rec, "event: connected", time.Second)

	bundle := &domain.ScoreBundle{Aggregate: 80}
	if _, err := store.Merge(ctx, "s3", map[string]any{"state": string(domain.StateCompleted), "result": bundle}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeHTTP did not close on analysis_complete")
	}

	if !strings.Contains(rec.Body.String(), "event: analysis_complete") {
		t.Errorf("expected analysis_complete event, got:\n%s", rec.Body.String())
	}
}

func TestServeHTTPClosesOnAnalysisError(t *testing.T) {
	mr, store := setup(t)
	defer mr.Close()
	ctx := context.Background()

	sess := &domain.Session{ID: "s4", State: domain.StateAnalysing, CreatedAt: time.Now()}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	stream := eventstream.New(store, nil)
	rec := newFlusherRecorder()
	req := httptest.NewRequest(http.MethodGet, "/events/s4", nil)

	done := make(chan struct{})
	go func() {
		stream.ServeHTTP(rec, req, "s4")
		close(done)
	}()

	waitForFrames(t, rec, "event: connected", time.Second)

	if _, err := store.Merge(ctx, "s4", map[string]any{"state": string(domain.StateError), "error_text": "separation failed"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeHTTP did not close on analysis_error")
	}

	if !strings.Contains(rec.Body.String(), "separation failed") {
		t.Errorf("expected error text in body, got:\n%s", rec.Body.String())
	}
}

func TestServeHTTPRejectsNonFlusherWriter(t *testing.T) {
	mr, store := setup(t)
	defer mr.Close()

	stream := eventstream.New(store, nil)
	var buf strings.Builder
	w := &nonFlushingWriter{bufw: bufio.NewWriter(&buf)}
	req := httptest.NewRequest(http.MethodGet, "/events/missing", nil)

	stream.ServeHTTP(w, req, "missing")

	if w.status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.status)
	}
}

// nonFlushingWriter implements http.ResponseWriter but not http.Flusher, to
// exercise ServeHTTP's streaming-unsupported guard.
type nonFlushingWriter struct {
	bufw   *bufio.Writer
	status int
	header http.Header
}

func (w *nonFlushingWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *nonFlushingWriter) Write(p []byte) (int, error) {
	return w.bufw.Write(p)
}

func (w *nonFlushingWriter) WriteHeader(status int) {
	w.status = status
}
