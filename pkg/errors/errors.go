// Package errors defines the coordinator-wide error taxonomy. Callers wrap
// these sentinels with fmt.Errorf("...: %w", ...) and transports map them to
// status codes with errors.Is.
package errors

import "errors"

var (
	// ErrValidation indicates malformed input that the caller must fix.
	ErrValidation = errors.New("invalid input")

	// ErrInvalidConfig indicates an inconsistent round configuration.
	ErrInvalidConfig = errors.New("invalid round configuration")

	// ErrNotFound indicates a missing round, client, or blob.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict indicates a duplicate creation or an incompatible state
	// transition.
	ErrConflict = errors.New("conflicting state")

	// ErrPreconditionFailed indicates a state-machine guard rejected the
	// operation.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrNotEligible indicates the caller does not hold the required
	// participation slot.
	ErrNotEligible = errors.New("client not eligible")

	// ErrSignatureInvalid indicates a model signature that does not verify.
	ErrSignatureInvalid = errors.New("signature verification failed")

	// ErrNotInitialized indicates key material has not been generated.
	ErrNotInitialized = errors.New("security keys not initialized")

	// ErrUnauthorized indicates a missing, expired, or tampered token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSchemaMismatch indicates model blobs that disagree on their
	// parameter key set or shapes.
	ErrSchemaMismatch = errors.New("model schema mismatch")

	// ErrInsufficientCandidates indicates selection cannot satisfy the
	// round's minimum client count.
	ErrInsufficientCandidates = errors.New("insufficient eligible clients")

	// ErrNoPredecessor indicates a round > 1 without a completed
	// predecessor to seed its global model.
	ErrNoPredecessor = errors.New("no completed predecessor round")

	// ErrTransient indicates a retryable condition such as a full request
	// queue or a disk hiccup.
	ErrTransient = errors.New("transient failure, retry")

	// ErrInvalidStateTransition is returned by the round and participant
	// state machines for a disallowed edge.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)
