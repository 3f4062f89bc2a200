// Package refprep is the C6 Reference Preparation Pipeline: the warm-cache
// path that turns a reference video/track into the set of fingerprint-keyed
// artifacts every scored session reuses (stems, flow envelope, fast-mode
// pitch contour), then notifies waiters through a dedicated readiness key.
//
// Each computing step probes a cache first and is skipped on a hit (the blob
// store for the extracted original, the artifact cache for stems, envelope
// and pitch), so a reference that has already been prepared by an earlier
// session costs little beyond the lookups and the readiness write.
package refprep

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiaraoke/verdict/internal/apperr"
	"github.com/kiaraoke/verdict/internal/artifactcache"
	"github.com/kiaraoke/verdict/internal/blobpaths"
	"github.com/kiaraoke/verdict/internal/blobstore"
	"github.com/kiaraoke/verdict/internal/domain"
	"github.com/kiaraoke/verdict/internal/gpucoord"
	"github.com/kiaraoke/verdict/internal/inference/pitch"
	"github.com/kiaraoke/verdict/internal/inference/separation"
	"github.com/kiaraoke/verdict/internal/sessionstore"
)

// readyKeyPrefix namespaces C6's dedicated readiness key away from any
// other use of sessionstore's ready-key mechanism (the analysis pipeline's
// user-tracks-ready notification uses its own prefix).
const readyKeyPrefix = "tracks_ready:"

// originalDownloadTimeout bounds the best-effort fetch in publishOriginal.
const originalDownloadTimeout = 120 * time.Second

// SourceExtractor downloads audio from a source-video URL via an external
// extraction service, publishing the decoded track under the blob store and
// returning a URL the separation service can fetch directly. It is only
// consulted when Input.SourceVideoURL is set instead of a direct audio URL.
type SourceExtractor interface {
	ExtractAudio(ctx context.Context, sourceVideoURL string) (audioURL string, err error)
}

// stemsPayload is the JSON shape cached under domain.ClassStems, recording
// the already-uploaded public URLs so a cache hit needs no re-upload.
type stemsPayload struct {
	VocalsURL        string `json:"vocals_url"`
	InstrumentalsURL string `json:"instrumentals_url"`
}

// Pipeline runs the five-step reference preparation flow.
type Pipeline struct {
	blobs      *blobstore.Client
	cache      *artifactcache.Cache
	separation *separation.Client
	pitch      *pitch.Client
	gpu        *gpucoord.Coordinator
	sessions   *sessionstore.Store
	extractor  SourceExtractor
	logger     *slog.Logger
}

// New constructs a Pipeline. extractor may be nil if no deployment ever
// passes a source-video URL (Input.ReferenceURL is then required to already
// point at fetchable audio).
func New(blobs *blobstore.Client, cache *artifactcache.Cache, sep *separation.Client, pitchClient *pitch.Client, gpu *gpucoord.Coordinator, sessions *sessionstore.Store, extractor SourceExtractor, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		blobs:      blobs,
		cache:      cache,
		separation: sep,
		pitch:      pitchClient,
		gpu:        gpu,
		sessions:   sessions,
		extractor:  extractor,
		logger:     logger,
	}
}

// Input describes one reference to prepare.
type Input struct {
	// ReferenceID is the content fingerprint every artifact is keyed under.
	ReferenceID string
	// ReferenceURL is a directly fetchable audio (or container) URL. Ignored
	// if SourceVideoURL is set.
	ReferenceURL string
	// SourceVideoURL, if set, is passed to the SourceExtractor instead of
	// fetching ReferenceURL directly.
	SourceVideoURL string
	// SessionID, if set, is the triggering session: on failure its record
	// is marked errored via sessionstore.Merge, and the stems
	// are additionally published under session-scoped paths so the event
	// stream can advertise them without knowing the fingerprint.
	SessionID string
}

// Prepare runs all five steps for in, skipping any step whose artifact is
// already cached. On any failure it marks in.SessionID (if set) into the
// error state via sessionstore.Merge before returning the error.
func (p *Pipeline) Prepare(ctx context.Context, in Input) error {
	err := p.prepare(ctx, in)
	if err != nil && in.SessionID != "" {
		if _, merr := p.sessions.Merge(ctx, in.SessionID, map[string]any{
			"state":      string(domain.StateError),
			"error_text": err.Error(),
		}); merr != nil {
			p.logger.Warn("refprep: failed to mark session errored", "session_id", in.SessionID, "err", merr)
		}
	}
	return err
}

func (p *Pipeline) prepare(ctx context.Context, in Input) error {
	vocals, instrumentals, vocalsURL, _, err := p.ensureStems(ctx, in)
	if err != nil {
		return fmt.Errorf("refprep: %s: stems: %w", in.ReferenceID, err)
	}

	if in.SessionID != "" {
		if _, err := p.blobs.Put(ctx, blobpaths.SessionReferenceVocals(in.SessionID), vocals, "audio/wav"); err != nil {
			p.logger.Warn("refprep: session-scoped vocals upload failed (best-effort)", "session_id", in.SessionID, "err", err)
		}
		if _, err := p.blobs.Put(ctx, blobpaths.SessionReferenceInstrumentals(in.SessionID), instrumentals, "audio/wav"); err != nil {
			p.logger.Warn("refprep: session-scoped instrumentals upload failed (best-effort)", "session_id", in.SessionID, "err", err)
		}
	}

	if err := p.ensureFlowEnvelope(ctx, in.ReferenceID, vocals); err != nil {
		return fmt.Errorf("refprep: %s: flow envelope: %w", in.ReferenceID, err)
	}

	if _, err := p.ensurePitch(ctx, in.ReferenceID, vocalsURL); err != nil {
		return fmt.Errorf("refprep: %s: pitch: %w", in.ReferenceID, err)
	}

	if err := p.sessions.MarkReady(ctx, readyKeyPrefix+in.ReferenceID, time.Now().UTC()); err != nil {
		return fmt.Errorf("refprep: %s: mark ready: %w", in.ReferenceID, err)
	}
	return nil
}

// ensureStems returns the raw and public-URL forms of both stems, computing
// them via separation only on a cache miss.
func (p *Pipeline) ensureStems(ctx context.Context, in Input) (vocals, instrumentals []byte, vocalsURL, instrumentalsURL string, err error) {
	if entry, err := p.cache.Get(ctx, domain.ClassStems, in.ReferenceID); err == nil {
		var payload stemsPayload
		if jerr := json.Unmarshal(entry.Payload, &payload); jerr == nil && payload.VocalsURL != "" && payload.InstrumentalsURL != "" {
			v, verr := p.blobs.Get(ctx, blobpaths.ReferenceVocals(in.ReferenceID))
			i, ierr := p.blobs.Get(ctx, blobpaths.ReferenceInstrumentals(in.ReferenceID))
			if verr == nil && ierr == nil {
				return v, i, payload.VocalsURL, payload.InstrumentalsURL, nil
			}
			p.logger.Warn("refprep: cached stems record present but blobs unreadable, recomputing", "reference_id", in.ReferenceID)
		}
	}

	audioURL, err := p.acquireSource(ctx, in)
	if err != nil {
		return nil, nil, "", "", err
	}

	p.gpu.RequestUnload(ctx)
	stems, err := p.separation.Separate(ctx, audioURL)
	if err != nil {
		return nil, nil, "", "", err
	}

	vocalsURL, vErr := p.blobs.Put(ctx, blobpaths.ReferenceVocals(in.ReferenceID), stems.Vocals, "audio/wav")
	if vErr != nil {
		vocalsURL = p.blobs.PublicURL(blobpaths.ReferenceVocals(in.ReferenceID))
		p.logger.Warn("refprep: reference vocals upload failed, continuing with expected URL", "reference_id", in.ReferenceID, "err", vErr)
	}
	instrumentalsURL, iErr := p.blobs.Put(ctx, blobpaths.ReferenceInstrumentals(in.ReferenceID), stems.Instrumentals, "audio/wav")
	if iErr != nil {
		instrumentalsURL = p.blobs.PublicURL(blobpaths.ReferenceInstrumentals(in.ReferenceID))
		p.logger.Warn("refprep: reference instrumentals upload failed, continuing with expected URL", "reference_id", in.ReferenceID, "err", iErr)
	}

	payload, _ := json.Marshal(stemsPayload{VocalsURL: vocalsURL, InstrumentalsURL: instrumentalsURL})
	if err := p.cache.Set(ctx, domain.CacheEntry{
		Fingerprint: in.ReferenceID,
		Class:       domain.ClassStems,
		Payload:     payload,
		Provenance:  "generated",
	}); err != nil {
		p.logger.Warn("refprep: failed to cache stems record", "reference_id", in.ReferenceID, "err", err)
	}

	return stems.Vocals, stems.Instrumentals, vocalsURL, instrumentalsURL, nil
}

// acquireSource resolves in to a directly fetchable audio URL. Step 1 of the
// reference preparation flow: the original is checked under its fingerprint
// first so a reference already extracted by an earlier session is reused
// instead of re-downloaded, and a freshly extracted original is published to
// that same path for the next caller to fall back to.
func (p *Pipeline) acquireSource(ctx context.Context, in Input) (string, error) {
	originalKey := blobpaths.ReferenceOriginal(in.ReferenceID, "wav")
	if p.blobs.Exists(ctx, originalKey) {
		return p.blobs.PublicURL(originalKey), nil
	}

	if in.SourceVideoURL == "" {
		if in.ReferenceURL == "" {
			return "", fmt.Errorf("%w: neither reference_url nor source_video_url set", apperr.ErrValidation)
		}
		return in.ReferenceURL, nil
	}
	if p.extractor == nil {
		return "", fmt.Errorf("%w: source_video_url given but no extractor configured", apperr.ErrValidation)
	}
	audioURL, err := p.extractor.ExtractAudio(ctx, in.SourceVideoURL)
	if err != nil {
		return "", err
	}
	p.publishOriginal(ctx, originalKey, audioURL)
	return audioURL, nil
}

// publishOriginal downloads the extracted original and caches it under its
// fingerprint so a later Prepare for the same reference skips re-extraction
// entirely. Best-effort: a failure here only costs a redundant extraction
// next time, not this run.
func (p *Pipeline) publishOriginal(ctx context.Context, originalKey, audioURL string) {
	reqCtx, cancel := context.WithTimeout(ctx, originalDownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, audioURL, nil)
	if err != nil {
		p.logger.Warn("refprep: build original download request failed", "key", originalKey, "err", err)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		p.logger.Warn("refprep: download original for caching failed", "key", originalKey, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Warn("refprep: download original for caching failed", "key", originalKey, "status", resp.StatusCode)
		return
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		p.logger.Warn("refprep: read original for caching failed", "key", originalKey, "err", err)
		return
	}
	if _, err := p.blobs.Put(ctx, originalKey, data, "audio/wav"); err != nil {
		p.logger.Warn("refprep: publish original failed (best-effort)", "key", originalKey, "err", err)
	}
}

// ensureFlowEnvelope computes and uploads the 20Hz RMS flow envelope for
// refID's vocals stem unless it is already cached.
func (p *Pipeline) ensureFlowEnvelope(ctx context.Context, refID string, vocals []byte) error {
	if _, err := p.cache.Get(ctx, domain.ClassReferenceEnvelope, refID); err == nil {
		return nil
	}

	samples, sampleRate, err := decodePCM16WAV(vocals)
	if err != nil {
		return fmt.Errorf("decode vocals wav: %w: %v", apperr.ErrIntegrity, err)
	}
	envelope := computeFlowEnvelope(samples, sampleRate)
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if _, err := p.blobs.Put(ctx, blobpaths.ReferenceFlowEnvelope(refID), payload, "application/json"); err != nil {
		p.logger.Warn("refprep: flow envelope upload failed (best-effort)", "reference_id", refID, "err", err)
	}

	return p.cache.Set(ctx, domain.CacheEntry{
		Fingerprint: refID,
		Class:       domain.ClassReferenceEnvelope,
		Payload:     payload,
		Provenance:  "generated",
	})
}

// ensurePitch computes and caches the fast-mode reference pitch contour,
// validating any cached payload before trusting it and recomputing on
// corruption, returning the contour either way.
func (p *Pipeline) ensurePitch(ctx context.Context, refID, vocalsURL string) (domain.PitchContour, error) {
	if entry, err := p.cache.Get(ctx, domain.ClassReferencePitch, refID); err == nil {
		var contour domain.PitchContour
		if jerr := json.Unmarshal(entry.Payload, &contour); jerr == nil && len(contour.Frames) > 0 {
			return contour, nil
		}
		p.logger.Warn("refprep: cached reference pitch contour corrupt, recomputing", "reference_id", refID)
	}

	contour, err := p.pitch.Extract(ctx, vocalsURL, pitch.ModeFast)
	if err != nil {
		return domain.PitchContour{}, err
	}
	payload, err := json.Marshal(contour)
	if err != nil {
		return domain.PitchContour{}, fmt.Errorf("encode pitch contour: %w", err)
	}

	if _, err := p.blobs.Put(ctx, blobpaths.ReferencePitchData(refID), payload, "application/json"); err != nil {
		p.logger.Warn("refprep: reference pitch upload failed (best-effort)", "reference_id", refID, "err", err)
	}

	if err := p.cache.Set(ctx, domain.CacheEntry{
		Fingerprint: refID,
		Class:       domain.ClassReferencePitch,
		Payload:     payload,
		Provenance:  "generated",
	}); err != nil {
		return domain.PitchContour{}, err
	}
	return contour, nil
}

// Stems resolves (computing and caching on a miss) the reference stems for
// in, exported so internal/analysis's Phase 2 step B can reuse this exact
// probe-or-separate logic rather than duplicating it.
func (p *Pipeline) Stems(ctx context.Context, in Input) (vocals, instrumentals []byte, vocalsURL, instrumentalsURL string, err error) {
	return p.ensureStems(ctx, in)
}

// Pitch resolves (computing and caching on a miss, revalidating a corrupt
// cache entry) the fast-mode reference pitch contour for refID, exported so
// internal/analysis's Phase 3 step F can reuse this exact logic.
func (p *Pipeline) Pitch(ctx context.Context, refID, vocalsURL string) (domain.PitchContour, error) {
	return p.ensurePitch(ctx, refID, vocalsURL)
}
