// Package analysis implements the C7 Performance Analysis Pipeline: the
// four-phase flow that turns a recorded user performance and its already
// (or not-yet) prepared reference into a scored ScoreBundle.
//
// Phase 1 runs the heavy-GPU separation step alone. Phase 2 fans out four
// steps, two critical (reference stems, accurate-mode user pitch) joined
// by an errgroup so either failure aborts the phase, and two non-critical
// (publishing a user-tracks-ready notification, transcription plus lyrics
// lookup) that log and substitute a default on failure rather than ever
// aborting. Phase 3 runs the vocals sync-offset computation alongside the
// lookup of the reference's fast-mode pitch contour. Phase 4 scores and renders jury
// feedback sequentially from the gathered artifacts.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiaraoke/verdict/internal/apperr"
	"github.com/kiaraoke/verdict/internal/blobpaths"
	"github.com/kiaraoke/verdict/internal/blobstore"
	"github.com/kiaraoke/verdict/internal/domain"
	"github.com/kiaraoke/verdict/internal/gpucoord"
	"github.com/kiaraoke/verdict/internal/inference/judge"
	"github.com/kiaraoke/verdict/internal/inference/lyrics"
	"github.com/kiaraoke/verdict/internal/inference/pitch"
	"github.com/kiaraoke/verdict/internal/inference/separation"
	"github.com/kiaraoke/verdict/internal/inference/transcribe"
	"github.com/kiaraoke/verdict/internal/refprep"
	"github.com/kiaraoke/verdict/internal/scoring"
	"github.com/kiaraoke/verdict/internal/sessionstore"
)

const (
	criticalStepTimeout    = 5 * time.Minute
	nonCriticalStepTimeout = 2 * time.Minute

	// syncConfidenceThreshold gates whether the measured offset is applied
	// to pitch and rhythm scoring, per §4.C7 Phase 4: a low-confidence measurement is
	// more likely noise than a real lag and is better ignored.
	syncConfidenceThreshold = 0.3
)

// userTracksReadyPrefix namespaces the user-stems readiness key away from
// C6's own tracks_ready prefix under the shared sessionstore dedicated-key
// mechanism (see internal/sessionstore).
const userTracksReadyPrefix = "user_tracks_ready:"

// Pipeline runs the full performance-analysis flow for one session.
type Pipeline struct {
	blobs      *blobstore.Client
	sessions   *sessionstore.Store
	separation *separation.Client
	pitch      *pitch.Client
	transcribe *transcribe.Client
	lyrics     *lyrics.Client
	judge      *judge.Client
	gpu        *gpucoord.Coordinator
	refprep    *refprep.Pipeline
	scratchDir string
	logger     *slog.Logger
}

// New constructs a Pipeline. scratchDir is the root under which per-run
// GPU-staging temporary directories are created and removed; it may be
// the OS default temp dir.
func New(blobs *blobstore.Client, sessions *sessionstore.Store, sep *separation.Client, pitchClient *pitch.Client, stt *transcribe.Client, lyricsClient *lyrics.Client, judgeClient *judge.Client, gpu *gpucoord.Coordinator, refprepPipeline *refprep.Pipeline, scratchDir string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &Pipeline{
		blobs:      blobs,
		sessions:   sessions,
		separation: sep,
		pitch:      pitchClient,
		transcribe: stt,
		lyrics:     lyricsClient,
		judge:      judgeClient,
		gpu:        gpu,
		refprep:    refprepPipeline,
		scratchDir: scratchDir,
		logger:     logger,
	}
}

// Run executes the full analysis for sessionID, persisting the resulting
// ScoreBundle onto the session record (state -> completed) on success, or
// marking the session errored on any critical failure.
func (p *Pipeline) Run(ctx context.Context, sessionID string) (domain.ScoreBundle, error) {
	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.ScoreBundle{}, fmt.Errorf("analysis: %s: load session: %w", sessionID, err)
	}

	bundle, err := p.run(ctx, sess)
	if err != nil {
		if _, merr := p.sessions.Merge(ctx, sessionID, map[string]any{
			"state":      string(domain.StateError),
			"error_text": err.Error(),
		}); merr != nil {
			p.logger.Warn("analysis: failed to mark session errored", "session_id", sessionID, "err", merr)
		}
		return domain.ScoreBundle{}, err
	}

	if _, merr := p.sessions.Merge(ctx, sessionID, map[string]any{
		"state":  string(domain.StateCompleted),
		"result": bundle,
	}); merr != nil {
		return bundle, fmt.Errorf("analysis: %s: persist result: %w", sessionID, merr)
	}
	return bundle, nil
}

func (p *Pipeline) run(ctx context.Context, sess *domain.Session) (domain.ScoreBundle, error) {
	scratch, err := os.MkdirTemp(p.scratchDir, "analysis-"+sess.ID+"-*")
	if err != nil {
		return domain.ScoreBundle{}, fmt.Errorf("analysis: %s: create scratch dir: %w", sess.ID, err)
	}
	defer func() {
		if rerr := os.RemoveAll(scratch); rerr != nil {
			p.logger.Warn("analysis: scratch dir cleanup failed", "session_id", sess.ID, "dir", scratch, "err", rerr)
		}
	}()

	p.setProgress(ctx, sess.ID, "separating", 10, "splitting your recording into vocals and instrumentals")
	userStems, userVocalsURL, _, err := p.phase1(ctx, sess)
	if err != nil {
		return domain.ScoreBundle{}, fmt.Errorf("analysis: %s: phase1: %w", sess.ID, err)
	}

	p.setProgress(ctx, sess.ID, "preparing", 35, "aligning reference tracks and detecting your pitch")
	p2, err := p.phase2(ctx, sess, userStems, userVocalsURL)
	if err != nil {
		return domain.ScoreBundle{}, fmt.Errorf("analysis: %s: phase2: %w", sess.ID, err)
	}

	p.setProgress(ctx, sess.ID, "syncing", 65, "measuring timing offset against the reference")
	p3, err := p.phase3(ctx, sess, userStems.Vocals, p2.referenceVocals)
	if err != nil {
		return domain.ScoreBundle{}, fmt.Errorf("analysis: %s: phase3: %w", sess.ID, err)
	}

	p.setProgress(ctx, sess.ID, "scoring", 85, "computing scores and gathering jury feedback")
	bundle := p.phase4(ctx, sess, p2, p3)

	p.setProgress(ctx, sess.ID, "done", 100, "analysis complete")
	return bundle, nil
}

func (p *Pipeline) setProgress(ctx context.Context, sessionID, step string, percent int, detail string) {
	if _, err := p.sessions.Merge(ctx, sessionID, map[string]any{
		"progress": domain.ProgressMarker{Step: step, Percent: percent, Detail: detail},
	}); err != nil {
		p.logger.Warn("analysis: progress update failed (non-fatal)", "session_id", sessionID, "step", step, "err", err)
	}
}

// phase1 runs source separation over the user's original recording and
// persists both stems under the session's canonical paths, so phase 2's
// critical and non-critical steps both have a stable URL to fetch
// regardless of the order the user_tracks_ready step runs in.
func (p *Pipeline) phase1(ctx context.Context, sess *domain.Session) (separation.Stems, string, string, error) {
	if !p.blobs.Exists(ctx, sess.UserRecordingPath) {
		return separation.Stems{}, "", "", fmt.Errorf("%w: user recording not found at %q", apperr.ErrValidation, sess.UserRecordingPath)
	}
	originalURL := p.blobs.PublicURL(sess.UserRecordingPath)

	p.gpu.RequestUnload(ctx)
	stems, err := p.separation.Separate(ctx, originalURL)
	if err != nil {
		return separation.Stems{}, "", "", fmt.Errorf("separation: %w", err)
	}

	vocalsURL, err := p.blobs.Put(ctx, blobpaths.UserVocals(sess.ID), stems.Vocals, "audio/wav")
	if err != nil {
		return separation.Stems{}, "", "", fmt.Errorf("publish user vocals: %w", err)
	}
	instrumentalsURL, err := p.blobs.Put(ctx, blobpaths.UserInstrumentals(sess.ID), stems.Instrumentals, "audio/wav")
	if err != nil {
		return separation.Stems{}, "", "", fmt.Errorf("publish user instrumentals: %w", err)
	}

	return stems, vocalsURL, instrumentalsURL, nil
}

// phase2Result collects the outputs of phase 2's four fanned-out steps.
type phase2Result struct {
	referenceVocals           []byte
	referenceVocalsURL        string
	referenceInstrumentalsURL string
	userPitch                 domain.PitchContour
	transcription             domain.Transcription
	referenceLyrics           domain.LyricsRecord
}

// phase2 runs the four-way fan-out described in the package doc comment.
// Steps B (reference stems) and C (accurate-mode user pitch) are critical:
// either failing aborts the whole phase via the errgroup. Steps A
// (user-tracks-ready notification) and D (transcription plus lyrics
// lookup) are non-critical: a failure is logged and a default substituted,
// and never aborts the phase.
func (p *Pipeline) phase2(ctx context.Context, sess *domain.Session, userStems separation.Stems, userVocalsURL string) (phase2Result, error) {
	var result phase2Result

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		stepCtx, cancel := context.WithTimeout(egCtx, criticalStepTimeout)
		defer cancel()
		vocals, _, vocalsURL, instrumentalsURL, err := p.refprep.Stems(stepCtx, refprep.Input{
			ReferenceID:  sess.ReferenceVideoID,
			ReferenceURL: p.blobs.PublicURL(sess.ReferenceRecordingPath),
		})
		if err != nil {
			return fmt.Errorf("reference stems: %w", err)
		}
		result.referenceVocals = vocals
		result.referenceVocalsURL = vocalsURL
		result.referenceInstrumentalsURL = instrumentalsURL
		return nil
	})
	eg.Go(func() error {
		stepCtx, cancel := context.WithTimeout(egCtx, criticalStepTimeout)
		defer cancel()
		contour, err := p.pitch.Extract(stepCtx, userVocalsURL, pitch.ModeAccurate)
		if err != nil {
			return fmt.Errorf("user pitch: %w", err)
		}
		result.userPitch = contour
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stepCtx, cancel := context.WithTimeout(ctx, nonCriticalStepTimeout)
		defer cancel()
		if err := p.sessions.MarkReady(stepCtx, userTracksReadyPrefix+sess.ID, time.Now().UTC()); err != nil {
			p.logger.Warn("analysis: user-tracks-ready notification failed (non-fatal)", "session_id", sess.ID, "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		stepCtx, cancel := context.WithTimeout(ctx, nonCriticalStepTimeout)
		defer cancel()
		transcription, lyricsRecord := p.transcribeAndLookupLyrics(stepCtx, sess, userVocalsURL)
		result.transcription = transcription
		result.referenceLyrics = lyricsRecord
	}()

	if err := eg.Wait(); err != nil {
		wg.Wait()
		return phase2Result{}, err
	}
	wg.Wait()

	return result, nil
}

// transcribeAndLookupLyrics runs step D serially (STT, then the lyrics
// lookup it needs no input from), substituting an empty transcription or a
// negative lyrics record on failure rather than propagating an error.
func (p *Pipeline) transcribeAndLookupLyrics(ctx context.Context, sess *domain.Session, userVocalsURL string) (domain.Transcription, domain.LyricsRecord) {
	transcription, err := p.transcribe.Transcribe(ctx, transcribe.Request{VocalsURL: userVocalsURL})
	if err != nil {
		p.logger.Warn("analysis: transcription failed, scoring without it", "session_id", sess.ID, "err", err)
		transcription = domain.Transcription{}
	}

	lyricsRecord, err := p.lyrics.Lookup(ctx, sess.ReferenceVideoID, lyrics.Query{
		Artist:   sess.ArtistName,
		Title:    sess.TrackName,
		Duration: time.Duration(sess.DurationSeconds * float64(time.Second)),
	})
	if err != nil {
		p.logger.Warn("analysis: lyrics lookup failed, scoring without reference lyrics", "session_id", sess.ID, "err", err)
		lyricsRecord = domain.LyricsRecord{Quality: domain.SyncNone, Provenance: domain.ProvenanceNegative}
	}

	return transcription, lyricsRecord
}

// phase3Result collects the outputs of phase 3's two-way fan-out.
type phase3Result struct {
	sync           scoring.SyncOffset
	referencePitch domain.PitchContour
}

// phase3 runs the sync-offset computation (E) and the reference's
// fast-mode pitch contour lookup (F) concurrently. E never fails the
// analysis (it degrades to a zero-confidence result); an error from F
// aborts it, since later scoring has nothing to compare against without
// the reference contour.
func (p *Pipeline) phase3(ctx context.Context, sess *domain.Session, userVocals, referenceVocals []byte) (phase3Result, error) {
	var (
		wg         sync.WaitGroup
		syncOffset scoring.SyncOffset
		refPitch   domain.PitchContour
		refErr     error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		syncOffset = p.computeSync(sess.ID, userVocals, referenceVocals)
	}()
	go func() {
		defer wg.Done()
		stepCtx, cancel := context.WithTimeout(ctx, criticalStepTimeout)
		defer cancel()
		refPitch, refErr = p.refprep.Pitch(stepCtx, sess.ReferenceVideoID, p.blobs.PublicURL(blobpaths.ReferenceVocals(sess.ReferenceVideoID)))
	}()
	wg.Wait()

	if refErr != nil {
		return phase3Result{}, fmt.Errorf("reference pitch: %w", refErr)
	}
	return phase3Result{sync: syncOffset, referencePitch: refPitch}, nil
}

// computeSync decodes both vocal stems, downsamples them to the scoring
// package's fixed correlation rate, and runs the cross-correlation sync
// detector. Decode failures degrade to a zero-confidence result rather
// than aborting the analysis — sync offset is an accuracy refinement, not
// a required artifact.
func (p *Pipeline) computeSync(sessionID string, userVocals, referenceVocals []byte) scoring.SyncOffset {
	userSamples, userRate, err := refprep.DecodeWAV(userVocals)
	if err != nil {
		p.logger.Warn("analysis: user vocals decode failed, skipping sync offset", "session_id", sessionID, "err", err)
		return scoring.SyncOffset{Method: "cross_correlation"}
	}
	refSamples, refRate, err := refprep.DecodeWAV(referenceVocals)
	if err != nil {
		p.logger.Warn("analysis: reference vocals decode failed, skipping sync offset", "session_id", sessionID, "err", err)
		return scoring.SyncOffset{Method: "cross_correlation"}
	}

	userDown := downsampleLinear(userSamples, userRate, scoring.SyncTargetSampleRate)
	refDown := downsampleLinear(refSamples, refRate, scoring.SyncTargetSampleRate)
	return scoring.ComputeSyncOffset(userDown, refDown)
}

// phase4 computes the three per-dimension accuracy scores, aggregates
// them, renders jury feedback, and assembles the final ScoreBundle.
func (p *Pipeline) phase4(ctx context.Context, sess *domain.Session, p2 phase2Result, p3 phase3Result) domain.ScoreBundle {
	var warnings []string

	userTimeMS, userHz := splitContour(p2.userPitch)
	refTimeMS, refHz := splitContour(p3.referencePitch)

	applyOffset := p3.sync.Confidence > syncConfidenceThreshold
	alignedUserTimeMS := userTimeMS
	if applyOffset {
		offsetMS := p3.sync.OffsetSeconds * 1000
		alignedUserTimeMS = make([]float64, len(userTimeMS))
		for i, t := range userTimeMS {
			alignedUserTimeMS[i] = t - offsetMS
		}
	} else {
		warnings = append(warnings, "sync offset confidence too low, scoring without temporal alignment")
	}

	pitchScore := scoring.PitchAccuracy(alignedUserTimeMS, userHz, refTimeMS, refHz)
	rhythmScore := scoring.RhythmAccuracy(alignedUserTimeMS, userHz, refTimeMS, refHz)
	lyricsScore := scoring.LyricsAccuracy(p2.transcription.Text, p2.referenceLyrics.Text)

	if p2.transcription.Text == "" {
		warnings = append(warnings, "no transcription available for this performance")
	}
	if p2.referenceLyrics.Text == "" {
		warnings = append(warnings, "no reference lyrics found for this track")
	}

	aggregate := domain.Aggregate(pitchScore, rhythmScore, lyricsScore)

	judges := p.judge.Judge(ctx, judge.Input{
		SongTitle:      sess.TrackName,
		OverallScore:   aggregate,
		PitchAccuracy:  pitchScore,
		RhythmAccuracy: rhythmScore,
		LyricsAccuracy: lyricsScore,
	})

	return domain.ScoreBundle{
		PitchAccuracy:  pitchScore,
		RhythmAccuracy: rhythmScore,
		LyricsAccuracy: lyricsScore,
		Aggregate:      aggregate,
		Warnings:       warnings,
		Judges:         judges,
		Sync: domain.SyncRecord{
			OffsetSeconds: p3.sync.OffsetSeconds,
			Confidence:    p3.sync.Confidence,
			Method:        p3.sync.Method,
		},
	}
}

// splitContour decomposes a pitch contour into parallel time/frequency
// slices, the shape internal/scoring's pitch and rhythm scorers take.
func splitContour(c domain.PitchContour) (timeMS, hz []float64) {
	timeMS = make([]float64, len(c.Frames))
	hz = make([]float64, len(c.Frames))
	for i, f := range c.Frames {
		timeMS[i] = float64(f.TimeMS)
		hz[i] = f.FrequencyHz
	}
	return timeMS, hz
}
