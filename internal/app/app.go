// Package app wires every orchestration-engine subsystem into a running
// application: blob store, session store, artifact cache, GPU coordinator,
// the five inference clients, the reference-preparation and
// performance-analysis pipelines, the background task pool, the event
// stream, and the cleanup reaper.
//
// App owns the full lifecycle: New connects every subsystem, Run starts the
// task pool and the reaper and blocks, and Shutdown tears everything down in
// order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kiaraoke/verdict/internal/analysis"
	"github.com/kiaraoke/verdict/internal/artifactcache"
	"github.com/kiaraoke/verdict/internal/blobstore"
	"github.com/kiaraoke/verdict/internal/config"
	"github.com/kiaraoke/verdict/internal/domain"
	"github.com/kiaraoke/verdict/internal/eventstream"
	"github.com/kiaraoke/verdict/internal/gpucoord"
	"github.com/kiaraoke/verdict/internal/inference/judge"
	"github.com/kiaraoke/verdict/internal/inference/lyrics"
	"github.com/kiaraoke/verdict/internal/inference/pitch"
	"github.com/kiaraoke/verdict/internal/inference/separation"
	"github.com/kiaraoke/verdict/internal/inference/transcribe"
	"github.com/kiaraoke/verdict/internal/reaper"
	"github.com/kiaraoke/verdict/internal/refprep"
	"github.com/kiaraoke/verdict/internal/resilience"
	"github.com/kiaraoke/verdict/internal/sessionstore"
	"github.com/kiaraoke/verdict/internal/taskqueue"
)

// defaultFallbackConfig is used for every C4 tiered client's circuit breaker
// unless a future config surface overrides it.
var defaultFallbackConfig = resilience.FallbackConfig{
	CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
		HalfOpenMax:  3,
	},
}

// App owns all subsystem lifetimes and exposes the operations the HTTP
// surface (cmd/server) drives: session creation, recording upload,
// analysis triggering, and the event stream.
type App struct {
	cfg *config.Config

	blobs       *blobstore.Client
	sessions    *sessionstore.Store
	cache       *artifactcache.Cache
	gpu         *gpucoord.Coordinator
	refprep     *refprep.Pipeline
	analysis    *analysis.Pipeline
	events      *eventstream.Stream
	reaperSvc   *reaper.Reaper
	tasks       *taskqueue.Pool
	pgPool      *pgxpool.Pool
	redisClient *redis.Client

	closers []func(ctx context.Context) error

	stopOnce sync.Once
}

// New connects every subsystem from cfg and returns a ready App. It does
// not start background workers; call Run for that.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg}

	// ── Redis-backed session store (C2) ──────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("app: connect redis: %w", err)
	}
	a.redisClient = rdb
	a.sessions = sessionstore.New(rdb, domain.SessionTTL)
	a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })

	// ── Postgres-backed artifact cache cold tier (C3) ────────────────
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("app: connect postgres: %w", err)
	}
	if err := artifactcache.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("app: migrate artifact cache: %w", err)
	}
	a.pgPool = pool
	a.cache = artifactcache.New(pool)
	a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })

	// ── Blob store client (C1) ───────────────────────────────────────
	a.blobs = blobstore.New(cfg.BlobStore.BaseURL, cfg.BlobStore.Bucket, cfg.BlobStore.Token, logger)

	// ── GPU coordinator (C5) ──────────────────────────────────────────
	a.gpu = gpucoord.New(cfg.GPU.CoTenantGenerateURL, logger)

	// ── Inference clients (C4) ───────────────────────────────────────
	sep := separation.New(cfg.Inference.Separation.BaseURL, cfg.Inference.Separation.APIKey, logger)
	pitchClient := pitch.New(cfg.Inference.Pitch.BaseURL, cfg.Inference.Pitch.APIKey, logger)

	sttHTTP := transcribe.NewHTTPTier(cfg.Inference.STTShared.BaseURL, cfg.Inference.STTShared.APIKey)
	sttPublic := transcribe.NewPublicAPITier(cfg.Inference.STTPublic.BaseURL, cfg.Inference.STTPublic.APIKey, cfg.Inference.STTPublic.Model)
	var sttLocal *transcribe.NativeTier
	if cfg.Inference.STTLocalOn {
		sttLocal, err = transcribe.NewNativeTier(cfg.Inference.STTLocal.Model)
		if err != nil {
			return nil, fmt.Errorf("app: load local whisper model: %w", err)
		}
	}
	sttClient := transcribe.New(sttHTTP, sttPublic, sttLocal, cfg.Inference.STTLocalOn, defaultFallbackConfig, logger)

	syncedProvider := lyrics.NewSyncedProvider(cfg.Inference.LyricsSynced.BaseURL, cfg.Inference.LyricsSynced.APIKey)
	plainProvider := lyrics.NewPlainTextProvider(cfg.Inference.LyricsPlain.BaseURL, cfg.Inference.LyricsPlain.APIKey)
	lyricsClient := lyrics.New(syncedProvider, plainProvider, a.cache)

	largeCompleter := judge.NewOpenAICompleter(cfg.Inference.JudgeLarge.APIKey, cfg.Inference.JudgeLarge.BaseURL)
	smallCompleter := judge.NewOpenAICompleter(cfg.Inference.JudgeSmall.APIKey, cfg.Inference.JudgeSmall.BaseURL)
	judgeClient := judge.New(largeCompleter, smallCompleter, cfg.Inference.JudgeLarge.Model, cfg.Inference.JudgeSmall.Model, defaultFallbackConfig)

	// ── Pipelines (C6, C7) ────────────────────────────────────────────
	a.refprep = refprep.New(a.blobs, a.cache, sep, pitchClient, a.gpu, a.sessions, nil, logger)
	a.analysis = analysis.New(a.blobs, a.sessions, sep, pitchClient, sttClient, lyricsClient, judgeClient, a.gpu, a.refprep, cfg.Cleanup.ScratchDir, logger)

	// ── Event stream (C8) ─────────────────────────────────────────────
	a.events = eventstream.New(a.sessions, logger)

	// ── Cleanup reaper (C9) ───────────────────────────────────────────
	a.reaperSvc = reaper.New(a.sessions, a.blobs, cfg.Cleanup.ScratchDir, cfg.Cleanup.Interval, cfg.Cleanup.SessionMaxAge, cfg.Cleanup.TempDirMaxAge, logger)

	// ── Background task pool (§5) ─────────────────────────────────────
	a.tasks = taskqueue.NewPool(logger)
	a.tasks.Register(taskqueue.QueueReferencePrep, 1, 8)
	a.tasks.Register(taskqueue.QueueAnalysis, 1, 8)
	a.tasks.Register(taskqueue.QueueDefault, 2, 32)

	return a, nil
}

// Sessions returns the session store, used directly by the HTTP handlers
// for session creation and status reads.
func (a *App) Sessions() *sessionstore.Store { return a.sessions }

// Events returns the event stream server.
func (a *App) Events() *eventstream.Stream { return a.events }

// Blobs returns the blob store client, used by the upload handler.
func (a *App) Blobs() *blobstore.Client { return a.blobs }

// Tasks returns the background task queue, used by handlers that trigger
// reference preparation or performance analysis.
func (a *App) Tasks() taskqueue.Queue { return a.tasks }

// Refprep returns the reference-preparation pipeline.
func (a *App) Refprep() *refprep.Pipeline { return a.refprep }

// Analysis returns the performance-analysis pipeline.
func (a *App) Analysis() *analysis.Pipeline { return a.analysis }

// Run starts the background task pool workers and the cleanup reaper, then
// blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.tasks.Start(ctx)
	a.reaperSvc.Start(ctx)

	slog.Info("app running")
	<-ctx.Done()

	a.tasks.Wait()
	a.reaperSvc.Stop()
	return ctx.Err()
}

// Shutdown tears down all subsystems in reverse-init order, respecting
// ctx's deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
