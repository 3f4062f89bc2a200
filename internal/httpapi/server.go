// Package httpapi is the client-facing HTTP surface (§6): one start-session
// call, one recording-upload call, one analysis-trigger call, and the
// event-stream endpoint. It owns the session-state transitions that the
// background pipelines themselves do not make on their success path —
// created -> reference_pending happens here when a reference is chosen,
// reference_pending -> reference_ready happens here once the reference
// preparation task completes, and analysing is set here immediately before
// the analysis task is enqueued. The analysis pipeline owns the terminal
// analysing -> completed|error transition itself (internal/analysis).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/kiaraoke/verdict/internal/apperr"
	"github.com/kiaraoke/verdict/internal/blobpaths"
	"github.com/kiaraoke/verdict/internal/domain"
	"github.com/kiaraoke/verdict/internal/observe"
	"github.com/kiaraoke/verdict/internal/refprep"
	"github.com/kiaraoke/verdict/internal/taskqueue"
)

// maxUploadBytes bounds a single recording upload; large enough for a
// multi-minute vocal take encoded at typical voice-memo bitrates.
const maxUploadBytes = 64 << 20 // 64 MiB

// sessions, refprep, analysis, events, blobs and tasks are the subset of
// *app.App's surface the HTTP layer needs. Declared as interfaces so
// handlers can be tested against fakes without standing up Redis/Postgres.
type sessionStore interface {
	Create(ctx context.Context, sess *domain.Session) error
	Get(ctx context.Context, id string) (*domain.Session, error)
	Merge(ctx context.Context, id string, patch map[string]any) (*domain.Session, error)
}

type refprepPipeline interface {
	Prepare(ctx context.Context, in refprep.Input) error
}

type analysisPipeline interface {
	Run(ctx context.Context, sessionID string) (domain.ScoreBundle, error)
}

type blobPutter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type eventStreamer interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request, sessionID string)
}

// Server holds the dependencies every handler needs.
type Server struct {
	sessions sessionStore
	refprep  refprepPipeline
	analysis analysisPipeline
	blobs    blobPutter
	events   eventStreamer
	tasks    taskqueue.Queue
	metrics  *observe.Metrics
	logger   *slog.Logger
	rlCfg    RateLimitConfig
}

// New constructs a Server. metrics and logger may be nil; metrics defaults
// to observe.DefaultMetrics() and logger to slog.Default(). Inbound rate
// limiting uses DefaultRateLimitConfig(); use NewWithRateLimit to override.
func New(sessions sessionStore, refprepPipe refprepPipeline, analysisPipe analysisPipeline, blobs blobPutter, events eventStreamer, tasks taskqueue.Queue, metrics *observe.Metrics, logger *slog.Logger) *Server {
	return NewWithRateLimit(sessions, refprepPipe, analysisPipe, blobs, events, tasks, metrics, logger, DefaultRateLimitConfig())
}

// NewWithRateLimit is New with an explicit RateLimitConfig, for tests and
// deployments that need tighter or looser bounds than the default.
func NewWithRateLimit(sessions sessionStore, refprepPipe refprepPipeline, analysisPipe analysisPipeline, blobs blobPutter, events eventStreamer, tasks taskqueue.Queue, metrics *observe.Metrics, logger *slog.Logger, rlCfg RateLimitConfig) *Server {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions: sessions,
		refprep:  refprepPipe,
		analysis: analysisPipe,
		blobs:    blobs,
		events:   events,
		tasks:    tasks,
		metrics:  metrics,
		logger:   logger,
		rlCfg:    rlCfg,
	}
}

// Router builds the chi mux: observability middleware first, then the five
// client-facing routes grouped under /v1, with health checks mounted by
// the caller (cmd/server wires internal/health separately since it has no
// dependency on session state).
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))
	r.Use(rateLimitMiddleware(s.rlCfg))

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/recording", s.uploadRecording)
			r.Post("/analyze", s.triggerAnalysis)
			r.Get("/events", s.streamEvents)
		})
	})

	return r
}

// createSessionRequest is the start-session payload: track metadata plus
// the reference video/audio chosen for comparison.
type createSessionRequest struct {
	TrackName       string  `json:"track_name"`
	ArtistName      string  `json:"artist_name"`
	DurationSeconds float64 `json:"duration_seconds"`
	ReferenceID     string  `json:"reference_id"`
	ReferenceURL    string  `json:"reference_url"`
	SourceVideoURL  string  `json:"source_video_url"`
}

// createSession requires a reference (400 otherwise), starts a new session,
// persists it in StateCreated, then immediately transitions it to
// reference_pending and enqueues the C6 reference-preparation task. The
// task itself flips the session to reference_ready on success; on failure
// refprep.Pipeline.Prepare marks the session errored.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt400(err))
		return
	}
	if req.ReferenceID == "" || (req.ReferenceURL == "" && req.SourceVideoURL == "") {
		writeError(w, newAPIError(http.StatusBadRequest, "reference_id and one of reference_url/source_video_url are required"))
		return
	}

	sess := &domain.Session{
		ID:               uuid.NewString(),
		TrackName:        req.TrackName,
		ArtistName:       req.ArtistName,
		DurationSeconds:  req.DurationSeconds,
		ReferenceVideoID: req.ReferenceID,
		State:            domain.StateCreated,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.sessions.Create(r.Context(), sess); err != nil {
		s.logger.Error("httpapi: create session failed", "err", err)
		writeError(w, fmt500(err))
		return
	}

	updated, err := s.sessions.Merge(r.Context(), sess.ID, map[string]any{
		"state": string(domain.StateReferencePending),
	})
	if err != nil {
		s.logger.Error("httpapi: transition to reference_pending failed", "session_id", sess.ID, "err", err)
		writeError(w, fmt500(err))
		return
	}

	in := refprep.Input{
		ReferenceID:    req.ReferenceID,
		ReferenceURL:   req.ReferenceURL,
		SourceVideoURL: req.SourceVideoURL,
		SessionID:      sess.ID,
	}
	if err := s.tasks.Enqueue(context.Background(), taskqueue.QueueReferencePrep, taskqueue.Task{
		ID:  "refprep:" + sess.ID,
		Run: func(ctx context.Context) error { return s.runReferencePrep(ctx, in) },
	}); err != nil {
		s.logger.Error("httpapi: enqueue reference prep failed", "session_id", sess.ID, "err", err)
		writeError(w, fmt500(err))
		return
	}

	writeJSON(w, http.StatusCreated, updated)
}

// runReferencePrep drives C6 to completion and, only on success, advances
// the session record to reference_ready. refprep.Pipeline.Prepare itself
// only writes the session record on the failure path (it marks a dedicated
// readiness key on success instead, so the event stream's tracks_ready
// notification never races a field-merge) — this wrapper is what makes the
// success path visible on sess.State for CanTransitionTo gating ahead of
// the analysis trigger.
func (s *Server) runReferencePrep(ctx context.Context, in refprep.Input) error {
	if err := s.refprep.Prepare(ctx, in); err != nil {
		return err
	}
	if _, err := s.sessions.Merge(ctx, in.SessionID, map[string]any{
		"state": string(domain.StateReferenceReady),
	}); err != nil {
		s.logger.Error("httpapi: transition to reference_ready failed", "session_id", in.SessionID, "err", err)
		return err
	}
	return nil
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, fromAppErr(err))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// uploadRecording accepts the user's performance recording and stores it at
// its deterministic blob path, recording the path on the session.
func (s *Server) uploadRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, newAPIError(http.StatusBadRequest, "recording body too large or unreadable"))
		return
	}
	if len(data) == 0 {
		writeError(w, newAPIError(http.StatusBadRequest, "empty recording body"))
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/wav"
	}
	ext := "wav"
	if contentType == "audio/webm" {
		ext = "webm"
	}

	key := blobpaths.UserRecording(id, ext)
	if _, err := s.blobs.Put(r.Context(), key, data, contentType); err != nil {
		s.logger.Error("httpapi: upload recording failed", "session_id", id, "err", err)
		writeError(w, fmt500(err))
		return
	}

	updated, err := s.sessions.Merge(r.Context(), id, map[string]any{
		"user_recording_path": key,
	})
	if err != nil {
		writeError(w, fromAppErr(err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// triggerAnalysis transitions the session to analysing and enqueues the C7
// performance-analysis job. The analysis pipeline itself owns the terminal
// completed/error transition and persists the resulting score bundle.
func (s *Server) triggerAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, fromAppErr(err))
		return
	}
	if sess.UserRecordingPath == "" {
		writeError(w, newAPIError(http.StatusBadRequest, "no recording uploaded yet"))
		return
	}
	if !sess.State.CanTransitionTo(domain.StateAnalysing) {
		writeError(w, newAPIError(http.StatusConflict, "session is not ready for analysis (state: "+string(sess.State)+")"))
		return
	}

	updated, err := s.sessions.Merge(r.Context(), id, map[string]any{
		"state": string(domain.StateAnalysing),
	})
	if err != nil {
		writeError(w, fmt500(err))
		return
	}

	if err := s.tasks.Enqueue(context.Background(), taskqueue.QueueAnalysis, taskqueue.Task{
		ID: "analysis:" + id,
		Run: func(ctx context.Context) error {
			_, err := s.analysis.Run(ctx, id)
			return err
		},
	}); err != nil {
		s.logger.Error("httpapi: enqueue analysis failed", "session_id", id, "err", err)
		writeError(w, fmt500(err))
		return
	}

	writeJSON(w, http.StatusAccepted, updated)
}

// streamEvents hands the request off to the C8 SSE stream for this session.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	s.events.ServeHTTP(w, r, id)
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func fromAppErr(err error) apiError {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return newAPIError(http.StatusNotFound, "session not found")
	case errors.Is(err, apperr.ErrValidation):
		return newAPIError(http.StatusBadRequest, err.Error())
	default:
		return fmt500(err)
	}
}

func fmt400(err error) apiError { return newAPIError(http.StatusBadRequest, err.Error()) }
func fmt500(err error) apiError {
	return newAPIError(http.StatusInternalServerError, "internal error")
}
