package refprep_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kiaraoke/verdict/internal/apperr"
	"github.com/kiaraoke/verdict/internal/artifactcache"
	"github.com/kiaraoke/verdict/internal/blobpaths"
	"github.com/kiaraoke/verdict/internal/blobstore"
	"github.com/kiaraoke/verdict/internal/domain"
	"github.com/kiaraoke/verdict/internal/gpucoord"
	"github.com/kiaraoke/verdict/internal/inference/pitch"
	"github.com/kiaraoke/verdict/internal/inference/separation"
	"github.com/kiaraoke/verdict/internal/refprep"
	"github.com/kiaraoke/verdict/internal/sessionstore"
)

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VERDICT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VERDICT_TEST_POSTGRES_DSN not set — skipping refprep integration test")
	}
	return dsn
}

// fakeBlobServer is a minimal in-memory stand-in for the object store
// behind blobstore.Client: PUT /api/put stores under the X-File-Path
// header, GET /files/<bucket>/<key> serves it back.
type fakeBlobServer struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeBlobServer() *httptest.Server {
	fb := &fakeBlobServer{data: map[string][]byte{}}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/api/put":
			path := r.Header.Get("X-File-Path")
			body, _ := io.ReadAll(r.Body)
			fb.mu.Lock()
			fb.data[path] = body
			fb.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/files/"):
			path := strings.TrimPrefix(r.URL.Path, "/files/")
			fb.mu.Lock()
			body, ok := fb.data[path]
			fb.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(body)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func monoWAV(samples []int16, sampleRate int) []byte {
	// Reuses the exact layout exercised by wav_test.go's buildMonoWAV16,
	// duplicated here since external packages cannot see that helper.
	dataSize := len(samples) * 2
	buf := make([]byte, 44+dataSize)
	copy(buf[0:4], "RIFF")
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	le32(buf[16:20], 16)
	le16(buf[20:22], 1)
	le16(buf[22:24], 1)
	le32(buf[24:28], uint32(sampleRate))
	le32(buf[28:32], uint32(sampleRate*2))
	le16(buf[32:34], 2)
	le16(buf[34:36], 16)
	copy(buf[36:40], "data")
	le32(buf[40:44], uint32(dataSize))
	for i, s := range samples {
		le16(buf[44+i*2:46+i*2], uint16(s))
	}
	le32(buf[4:8], uint32(36+dataSize))
	return buf
}

func le32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func le16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func newTestCache(t *testing.T) *artifactcache.Cache {
	t.Helper()
	ctx := context.Background()
	dsn := testDSN(t)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS artifacts"); err != nil {
		t.Fatalf("drop artifacts: %v", err)
	}
	if err := artifactcache.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return artifactcache.New(pool)
}

func TestPreparePopulatesAllArtifactsAndMarksReady(t *testing.T) {
	cache := newTestCache(t)
	t.Cleanup(cache.Close)

	vocalsWAV := monoWAV([]int16{0, 16000, -16000, 8000}, 8000)
	instrumentalsWAV := monoWAV([]int16{1, 2, 3, 4}, 8000)

	blobSrv := newFakeBlobServer()
	defer blobSrv.Close()

	stemsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/vocals.wav":
			w.Write(vocalsWAV)
		case "/instrumentals.wav":
			w.Write(instrumentalsWAV)
		case "/original.wav":
			w.Write(vocalsWAV)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer stemsSrv.Close()

	sepSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/separate" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"vocals_url":        stemsSrv.URL + "/vocals.wav",
			"instrumentals_url": stemsSrv.URL + "/instrumentals.wav",
		})
	}))
	defer sepSrv.Close()

	pitchSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/extract" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(domain.PitchContour{
			Frames: []domain.PitchFrame{{TimeMS: 0, FrequencyHz: 220, Confidence: 0.9}},
		})
	}))
	defer pitchSrv.Close()

	blobs := blobstore.New(blobSrv.URL, "bucket", "token", nil)
	sep := separation.New(sepSrv.URL, "", nil)
	pitchClient := pitch.New(pitchSrv.URL, "", nil)
	gpu := gpucoord.New("", nil)

	mr := miniredis.RunT(t)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := sessionstore.New(rdb, time.Hour)

	pipeline := refprep.New(blobs, cache, sep, pitchClient, gpu, sessions, nil, nil)

	in := refprep.Input{
		ReferenceID:  "track-fingerprint-1",
		ReferenceURL: stemsSrv.URL + "/original.wav",
	}
	if err := pipeline.Prepare(context.Background(), in); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if _, err := blobs.Get(context.Background(), blobpaths.ReferenceVocals(in.ReferenceID)); err != nil {
		t.Errorf("expected reference vocals uploaded: %v", err)
	}
	if _, err := blobs.Get(context.Background(), blobpaths.ReferencePitchData(in.ReferenceID)); err != nil {
		t.Errorf("expected reference pitch data uploaded: %v", err)
	}
	if _, err := blobs.Get(context.Background(), blobpaths.ReferenceFlowEnvelope(in.ReferenceID)); err != nil {
		t.Errorf("expected flow envelope uploaded: %v", err)
	}

	if _, err := sessions.ReadyAt(context.Background(), "tracks_ready:"+in.ReferenceID); err != nil {
		t.Errorf("expected tracks-ready key set: %v", err)
	}

	if _, err := cache.Get(context.Background(), domain.ClassStems, in.ReferenceID); err != nil {
		t.Errorf("expected stems cached: %v", err)
	}
}

func TestPrepareMarksSessionErrorOnFailure(t *testing.T) {
	cache := newTestCache(t)
	t.Cleanup(cache.Close)

	blobSrv := newFakeBlobServer()
	defer blobSrv.Close()
	blobs := blobstore.New(blobSrv.URL, "bucket", "token", nil)

	sep := separation.New("http://127.0.0.1:0", "", nil)
	pitchClient := pitch.New("http://127.0.0.1:0", "", nil)
	gpu := gpucoord.New("", nil)

	mr := miniredis.RunT(t)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := sessionstore.New(rdb, time.Hour)

	sessID := "s-err-1"
	if err := sessions.Create(context.Background(), &domain.Session{ID: sessID, State: domain.StateReferencePending}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	pipeline := refprep.New(blobs, cache, sep, pitchClient, gpu, sessions, nil, nil)

	err := pipeline.Prepare(context.Background(), refprep.Input{
		ReferenceID:  "track-fingerprint-err",
		ReferenceURL: "http://127.0.0.1:0/original.wav",
		SessionID:    sessID,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Errorf("expected ErrUpstreamUnavailable, got %v", err)
	}

	sess, gerr := sessions.Get(context.Background(), sessID)
	if gerr != nil {
		t.Fatalf("Get: %v", gerr)
	}
	if sess.State != domain.StateError {
		t.Errorf("State = %q, want error", sess.State)
	}
	if sess.ErrorText == "" {
		t.Error("expected ErrorText to be set")
	}
}
