// Package apperr defines the error taxonomy shared by every orchestration
// component (§7): NotFound, ValidationError, UpstreamUnavailable,
// IntegrityError, and Fatal. Callers use errors.Is against the sentinel
// values below; component-specific detail is attached with fmt.Errorf's
// %w verb, matching the teacher's plain-stdlib error style throughout.
package apperr

import "errors"

var (
	// ErrNotFound indicates a session or artifact is absent. Surfaced to the client.
	ErrNotFound = errors.New("apperr: not found")

	// ErrValidation indicates bad input, e.g. a reference not yet ready.
	ErrValidation = errors.New("apperr: validation error")

	// ErrUpstreamUnavailable indicates a transient blob-store or inference-service
	// failure. Retried per the policy of the calling component.
	ErrUpstreamUnavailable = errors.New("apperr: upstream unavailable")

	// ErrIntegrity indicates a cached artifact was present but corrupt. This
	// triggers recomputation and is logged but never surfaced to the client.
	ErrIntegrity = errors.New("apperr: integrity error")

	// ErrFatal indicates a programmer error or unrecoverable state. Surfaced
	// to the client and the owning session is marked in error.
	ErrFatal = errors.New("apperr: fatal")
)
