package evidence

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable marks transient mirror/backend failures that may be retried.
	ErrUnavailable = errors.New("dependency unavailable")
	// ErrNotFound marks unknown evidence, runs, sessions, or mirror paths.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks concurrent-modification and divergence failures.
	ErrConflict = errors.New("conflict")
	// ErrInvalidSignature marks callbacks whose HMAC does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrExpired marks edit sessions past their deadline.
	ErrExpired = errors.New("session expired")
	// ErrLocked marks evidence that cannot accept an edit session right now.
	ErrLocked = errors.New("evidence locked")
	// ErrInvalidInput marks requests rejected before touching state.
	ErrInvalidInput = errors.New("invalid input")
	// ErrCancelled marks sync runs stopped before completion.
	ErrCancelled = errors.New("run cancelled")
)

// VersionConflictError reports a failed optimistic version check on an
// evidence record.
type VersionConflictError struct {
	EvidenceID      string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on evidence %s: expected %d, current %d",
		e.EvidenceID, e.ExpectedVersion, e.CurrentVersion)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrConflict
}

// StaleBaseError reports an edit-session save whose base fingerprint no
// longer matches the live record.
type StaleBaseError struct {
	SessionID   string
	EvidenceID  string
	BaseHash    string
	CurrentHash string
}

func (e *StaleBaseError) Error() string {
	return fmt.Sprintf("stale base for session %s on evidence %s", e.SessionID, e.EvidenceID)
}

func (e *StaleBaseError) Is(target error) bool {
	return target == ErrConflict
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
