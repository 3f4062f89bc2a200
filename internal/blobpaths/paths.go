// Package blobpaths is the single source of truth for the deterministic
// blob-store path scheme (§6). All paths are derived mechanically from a
// reference-video fingerprint or a session identifier; no index is kept.
package blobpaths

import "fmt"

// ReferenceOriginal returns the path for the reference original recording,
// stored with the given container extension ("wav" or "flac").
func ReferenceOriginal(refID, ext string) string {
	return fmt.Sprintf("cache/%s/reference.%s", refID, ext)
}

// ReferenceVocals returns the path for the reference vocals stem.
func ReferenceVocals(refID string) string {
	return fmt.Sprintf("cache/%s/vocals.wav", refID)
}

// ReferenceInstrumentals returns the path for the reference instrumentals stem.
func ReferenceInstrumentals(refID string) string {
	return fmt.Sprintf("cache/%s/instrumentals.wav", refID)
}

// ReferencePitchData returns the path for the reference binary pitch artifact.
func ReferencePitchData(refID string) string {
	return fmt.Sprintf("cache/%s/pitch_data.npz", refID)
}

// ReferenceFlowEnvelope returns the path for the 20Hz RMS flow envelope JSON.
func ReferenceFlowEnvelope(refID string) string {
	return fmt.Sprintf("cache/%s/flow_envelope.json", refID)
}

// UserRecording returns the path for a user's uploaded recording, stored
// with the given container extension ("webm" or "wav").
func UserRecording(sessionID, ext string) string {
	return fmt.Sprintf("sessions/%s/user_recording.%s", sessionID, ext)
}

// UserVocals returns the session-scoped path for the user's vocals stem.
func UserVocals(sessionID string) string {
	return fmt.Sprintf("sessions/%s_user/vocals.wav", sessionID)
}

// UserInstrumentals returns the session-scoped path for the user's
// instrumentals stem.
func UserInstrumentals(sessionID string) string {
	return fmt.Sprintf("sessions/%s_user/instrumentals.wav", sessionID)
}

// SessionReferenceVocals returns the session-scoped copy of the reference
// vocals stem, published so the event stream can advertise it without a
// client needing to know the reference fingerprint.
func SessionReferenceVocals(sessionID string) string {
	return fmt.Sprintf("sessions/%s_ref/vocals.wav", sessionID)
}

// SessionReferenceInstrumentals returns the session-scoped copy of the
// reference instrumentals stem.
func SessionReferenceInstrumentals(sessionID string) string {
	return fmt.Sprintf("sessions/%s_ref/instrumentals.wav", sessionID)
}
