// Package domain defines the core data types shared by every orchestration
// component: sessions, recordings, pitch contours, transcriptions, lyrics
// records, score bundles, and cache entries.
package domain

import "time"

// SessionState is the lifecycle state of a Session. States advance
// monotonically; see CanTransitionTo.
type SessionState string

const (
	StateCreated          SessionState = "created"
	StateReferencePending SessionState = "reference_pending"
	StateReferenceReady   SessionState = "reference_ready"
	StateAnalysing        SessionState = "analysing"
	StateCompleted        SessionState = "completed"
	StateError            SessionState = "error"
)

// validTransitions enumerates the only legal successor states for each state.
// created -> reference_pending -> reference_ready -> analysing -> (completed | error).
// error is reachable from any non-terminal state.
var validTransitions = map[SessionState][]SessionState{
	StateCreated:          {StateReferencePending, StateError},
	StateReferencePending: {StateReferenceReady, StateError},
	StateReferenceReady:   {StateAnalysing, StateError},
	StateAnalysing:        {StateCompleted, StateError},
	StateCompleted:        {},
	StateError:            {},
}

// CanTransitionTo reports whether moving from s to next is a legal session
// state transition.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal state (completed or error).
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// SessionTTL is the lifetime of a session record from creation.
const SessionTTL = 3 * time.Hour

// Session is the short-lived mutable record keyed by a unique session
// identifier. It owns its working recordings and score bundle; reference
// artifacts are held by non-owning reference (fingerprint lookup through
// the artifact cache).
type Session struct {
	ID string `json:"id"`

	// TrackID is the recognised track identifier, once resolved.
	TrackID string `json:"track_id,omitempty"`
	// TrackName / ArtistName / DurationSeconds are human-readable metadata.
	TrackName       string  `json:"track_name,omitempty"`
	ArtistName      string  `json:"artist_name,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// ReferenceVideoID is the chosen source video identifier, once chosen.
	// It doubles as the reference-artifact fingerprint.
	ReferenceVideoID string `json:"reference_video_id,omitempty"`

	State SessionState `json:"state"`

	UserRecordingPath      string `json:"user_recording_path,omitempty"`
	ReferenceRecordingPath string `json:"reference_recording_path,omitempty"`

	// AnalysisJobID identifies the running performance-analysis task, if any.
	AnalysisJobID string `json:"analysis_job_id,omitempty"`

	// Result is the terminal score bundle, set only once State == StateCompleted.
	Result *ScoreBundle `json:"result,omitempty"`

	// ErrorText carries a short, user-facing cause when State == StateError.
	ErrorText string `json:"error_text,omitempty"`

	// Progress is the last analysis progress marker observed (§4.C7), written
	// via sessionstore.Merge between analysis phases. Tracks-ready
	// notifications do not use this record: see internal/sessionstore for
	// the dedicated readiness keys they are written to.
	Progress *ProgressMarker `json:"progress,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ProgressMarker is a single step-name/percentage/detail tuple written by a
// pipeline as it advances (§4.C7 State).
type ProgressMarker struct {
	Step     string `json:"step"`
	Percent  int    `json:"percent"`
	Detail   string `json:"detail"`
}

// RecordingRole identifies one of the three logical recording roles.
type RecordingRole string

const (
	RoleOriginal      RecordingRole = "original"
	RoleVocals        RecordingRole = "vocals"
	RoleInstrumentals RecordingRole = "instrumentals"
)

// Recording is an immutable audio blob reference. Recordings are never
// mutated in place; invalidation happens by overwriting the path/URL the
// owner holds, or by cache invalidation for shared reference artifacts.
type Recording struct {
	Role RecordingRole `json:"role"`
	URL  string        `json:"url"`
}
