// Package reaper implements the C9 Cleanup Reaper: an hourly sweep that
// evicts expired session blobs and orphaned scratch directories. It never
// touches the per-fingerprint reference cache, which expires through its
// own policy (internal/artifactcache.Cache.CleanupExpired).
package reaper

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kiaraoke/verdict/internal/blobpaths"
	"github.com/kiaraoke/verdict/internal/blobstore"
	"github.com/kiaraoke/verdict/internal/sessionstore"
)

// defaultSweepInterval, defaultSessionMaxAge and defaultScratchMaxAge match
// §4.C9 (hourly sweep, 2h session age) and are used whenever New is given a
// zero duration for the corresponding field.
const (
	defaultSweepInterval = time.Hour
	defaultSessionMaxAge = 2 * time.Hour
	defaultScratchMaxAge = 2 * time.Hour
)

// Reaper owns the background sweep loop.
type Reaper struct {
	sessions   *sessionstore.Store
	blobs      *blobstore.Client
	scratchDir string
	logger     *slog.Logger

	sweepInterval time.Duration
	sessionMaxAge time.Duration
	scratchMaxAge time.Duration

	stop chan struct{}
	done chan struct{}
}

// New constructs a Reaper. scratchDir is the same root internal/analysis
// uses for its per-run temp directories; it may be empty to skip the
// scratch-directory sweep entirely. sweepInterval, sessionMaxAge and
// scratchMaxAge configure the schedule (internal/config.CleanupConfig);
// a zero value for any of them falls back to its §4.C9 default.
func New(sessions *sessionstore.Store, blobs *blobstore.Client, scratchDir string, sweepInterval, sessionMaxAge, scratchMaxAge time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	if sessionMaxAge <= 0 {
		sessionMaxAge = defaultSessionMaxAge
	}
	if scratchMaxAge <= 0 {
		scratchMaxAge = defaultScratchMaxAge
	}
	return &Reaper{
		sessions:      sessions,
		blobs:         blobs,
		scratchDir:    scratchDir,
		logger:        logger,
		sweepInterval: sweepInterval,
		sessionMaxAge: sessionMaxAge,
		scratchMaxAge: scratchMaxAge,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start runs the sweep loop in a new goroutine, firing once immediately and
// then every sweepInterval until Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop signals the sweep loop to exit and blocks until it has.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass: expired session blobs, then orphaned scratch
// directories. Each sub-sweep's failures are logged and do not abort the
// other.
func (r *Reaper) Sweep(ctx context.Context) {
	n, err := r.sweepSessions(ctx)
	if err != nil {
		r.logger.Warn("reaper: session sweep failed", "err", err)
	} else {
		r.logger.Info("reaper: session sweep complete", "evicted", n)
	}

	if r.scratchDir != "" {
		n, err := r.sweepScratchDirs()
		if err != nil {
			r.logger.Warn("reaper: scratch dir sweep failed", "dir", r.scratchDir, "err", err)
		} else if n > 0 {
			r.logger.Info("reaper: scratch dir sweep complete", "removed", n)
		}
	}
}

// sweepSessions deletes the derived blob paths and session record for every
// session older than r.sessionMaxAge. It never touches the reference cache.
func (r *Reaper) sweepSessions(ctx context.Context) (int, error) {
	ids, err := r.sessions.IDs(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-r.sessionMaxAge)
	evicted := 0
	for _, id := range ids {
		sess, err := r.sessions.Get(ctx, id)
		if err != nil {
			r.logger.Warn("reaper: could not load session for sweep", "session_id", id, "err", err)
			continue
		}
		if sess.CreatedAt.After(cutoff) {
			continue
		}

		r.deleteSessionBlobs(ctx, id)
		if err := r.sessions.Delete(ctx, id); err != nil {
			r.logger.Warn("reaper: session record delete failed", "session_id", id, "err", err)
			continue
		}
		evicted++
	}
	return evicted, nil
}

// deleteSessionBlobs removes every blob path derived from a session
// identifier: the user recording under either upload extension, both user
// stems, and both session-scoped reference stem copies. Deletes are
// best-effort (blobstore.Client.Delete never errors to its caller).
func (r *Reaper) deleteSessionBlobs(ctx context.Context, sessionID string) {
	for _, ext := range []string{"webm", "wav"} {
		r.blobs.Delete(ctx, blobpaths.UserRecording(sessionID, ext))
	}
	r.blobs.Delete(ctx, blobpaths.UserVocals(sessionID))
	r.blobs.Delete(ctx, blobpaths.UserInstrumentals(sessionID))
	r.blobs.Delete(ctx, blobpaths.SessionReferenceVocals(sessionID))
	r.blobs.Delete(ctx, blobpaths.SessionReferenceInstrumentals(sessionID))
}

// sweepScratchDirs removes immediate subdirectories of scratchDir whose
// modification time is older than r.scratchMaxAge, covering analysis
// scratch directories orphaned by a crash that skipped their deferred
// cleanup.
func (r *Reaper) sweepScratchDirs() (int, error) {
	entries, err := os.ReadDir(r.scratchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-r.scratchMaxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(r.scratchDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			r.logger.Warn("reaper: stat scratch dir failed", "dir", path, "err", err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			r.logger.Warn("reaper: remove scratch dir failed", "dir", path, "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}
