package domain

import "time"

// PitchFrame is a single (time, frequency, confidence) sample of a pitch
// contour at the fixed 10ms grid.
type PitchFrame struct {
	TimeMS     int64   `json:"t"`
	FrequencyHz float64 `json:"f"`
	Confidence  float64 `json:"c"`
}

// PitchContour is a finite time series of PitchFrame values on a fixed
// 10ms grid, stored as an opaque binary artifact (NPZ-equivalent encoding;
// see internal/inference/pitch for the codec).
type PitchContour struct {
	Frames []PitchFrame `json:"frames"`
}

// Voiced returns the frames whose frequency is > 0 (voiced per §4-algo).
func (p PitchContour) Voiced() []PitchFrame {
	out := make([]PitchFrame, 0, len(p.Frames))
	for _, f := range p.Frames {
		if f.FrequencyHz > 0 {
			out = append(out, f)
		}
	}
	return out
}

// Word is one entry of a word-level transcription, with strictly monotonic
// StartMS across a Transcription's Words slice and EndMS >= StartMS.
type Word struct {
	Text       string  `json:"text"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence"`
}

// Transcription is plain text plus an ordered sequence of word timings.
type Transcription struct {
	Text  string `json:"text"`
	Words []Word `json:"words"`
}

// SyncQuality tags the provenance reliability of a LyricsRecord.
type SyncQuality string

const (
	SyncSynced   SyncQuality = "synced"
	SyncUnsynced SyncQuality = "unsynced"
	SyncNone     SyncQuality = "none"
)

// LyricsLine is one (optionally time-synced) line of a LyricsRecord.
type LyricsLine struct {
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   *int64 `json:"end_ms,omitempty"`
}

// LyricsProvenance identifies which lookup tier produced a LyricsRecord. Its
// user_corrected, professional and generated values are also the provenance
// strings internal/artifactcache ranks when choosing among cached entries.
type LyricsProvenance string

const (
	ProvenanceSyncedLookup   LyricsProvenance = "synced_lookup"
	ProvenanceUnsyncedLookup LyricsProvenance = "unsynced_lookup"
	ProvenanceNegative       LyricsProvenance = "negative"
	ProvenanceProfessional   LyricsProvenance = "professional"
	ProvenanceGenerated      LyricsProvenance = "generated"
	ProvenanceUserCorrected  LyricsProvenance = "user_corrected"
)

// LyricsRecord is plain text and, when available, an ordered sequence of
// lines with optional time sync.
type LyricsRecord struct {
	Text       string           `json:"text"`
	Lines      []LyricsLine     `json:"lines,omitempty"`
	Quality    SyncQuality      `json:"quality"`
	Provenance LyricsProvenance `json:"provenance"`
}

// JudgeVote is a yes/no verdict cast by a jury persona.
type JudgeVote string

const (
	VoteYes JudgeVote = "yes"
	VoteNo  JudgeVote = "no"
)

// JudgeRecord is a single jury persona's commentary.
type JudgeRecord struct {
	Persona    string    `json:"persona"`
	Comment    string    `json:"comment"`
	Vote       JudgeVote `json:"vote"`
	Model      string    `json:"model"`
	LatencyMS  int64     `json:"latency_ms"`
}

// SyncRecord is the result of the cross-correlation temporal alignment
// between a user and reference vocal recording.
type SyncRecord struct {
	OffsetSeconds float64 `json:"offset_seconds"`
	Confidence    float64 `json:"confidence"`
	Method        string  `json:"method"`
}

// ScoreBundle is the terminal result of a performance analysis.
type ScoreBundle struct {
	PitchAccuracy  float64       `json:"pitch_accuracy"`
	RhythmAccuracy float64       `json:"rhythm_accuracy"`
	LyricsAccuracy float64       `json:"lyrics_accuracy"`
	Aggregate      float64       `json:"aggregate"`
	Warnings       []string      `json:"warnings,omitempty"`
	Judges         []JudgeRecord `json:"judges,omitempty"`
	Sync           SyncRecord    `json:"sync"`
}

// Aggregate computes round(0.4*pitch + 0.3*rhythm + 0.3*lyrics), per §8.
func Aggregate(pitch, rhythm, lyrics float64) float64 {
	v := 0.4*pitch + 0.3*rhythm + 0.3*lyrics
	if v < 0 {
		return 0
	}
	// round-half-away-from-zero to match the original's int() truncation
	// replaced per spec.md with a proper rounding invariant (§8).
	return float64(int64(v + 0.5))
}

// CacheEntry is the generic envelope stored by the artifact cache (§3, §4.C3).
type CacheEntry struct {
	Fingerprint string      `json:"fingerprint"`
	Class       ArtifactClass `json:"class"`
	Payload     []byte      `json:"payload"`
	Provenance  string      `json:"provenance"`
	ModelVersion string     `json:"model_version"`
	Quality     map[string]float64 `json:"quality,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at time t.
func (c CacheEntry) Expired(t time.Time) bool {
	return t.After(c.ExpiresAt)
}

// ArtifactClass discriminates the cold-tier table / TTL policy an artifact
// belongs to (§4.C3 per-artifact TTL policy table).
type ArtifactClass string

const (
	ClassLyricsSynced       ArtifactClass = "lyrics_synced"
	ClassLyricsUnsynced     ArtifactClass = "lyrics_unsynced"
	ClassLyricsNegative     ArtifactClass = "lyrics_negative"
	ClassWordTimingsProfessional ArtifactClass = "word_timings_professional"
	ClassWordTimingsGenerated    ArtifactClass = "word_timings_generated"
	ClassWordTimingsUserCorrected ArtifactClass = "word_timings_user_corrected"
	ClassStems              ArtifactClass = "stems"
	ClassReferencePitch     ArtifactClass = "reference_pitch"
	ClassReferenceEnvelope  ArtifactClass = "reference_envelope"
)
