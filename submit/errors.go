package submit

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a submission did not complete.
type ErrorKind int

const (
	// KindAlreadySubmitting means another submission holds the subject's lock. No side effects.
	KindAlreadySubmitting ErrorKind = iota
	// KindUnsupportedMode means the mode has no performance schema. No side effects.
	KindUnsupportedMode
	// KindInvalidSubject means neither an id nor a username was given.
	KindInvalidSubject
	// KindUpstream covers score source and beatmap source failures.
	KindUpstream
	// KindComputation covers calculator failures, including panics.
	KindComputation
	// KindPersistence covers index lookups and the save transaction.
	KindPersistence
	// KindLockRelease reports a double unlock after commit. Logged, never returned.
	KindLockRelease
	// KindCanceled means the caller's context ended a run configured to cancel on abandon.
	KindCanceled
)

// String returns a stable name used in logs and metric labels.
func (k ErrorKind) String() string {
	switch k {
	case KindAlreadySubmitting:
		return "already_submitting"
	case KindUnsupportedMode:
		return "unsupported_mode"
	case KindInvalidSubject:
		return "invalid_subject"
	case KindUpstream:
		return "upstream"
	case KindComputation:
		return "computation"
	case KindPersistence:
		return "persistence"
	case KindLockRelease:
		return "lock_release"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadySubmitting matches errors of KindAlreadySubmitting with errors.Is.
	ErrAlreadySubmitting = errors.New("a submission is already running for this subject")
	// ErrUnsupportedMode matches errors of KindUnsupportedMode with errors.Is.
	ErrUnsupportedMode = errors.New("mode is not supported for submission")
)

// Error is returned by Submit and Submission.Wait.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("submit %s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("submit %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets callers test kinds against the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAlreadySubmitting:
		return e.Kind == KindAlreadySubmitting
	case ErrUnsupportedMode:
		return e.Kind == KindUnsupportedMode
	}
	return false
}

// KindOf extracts the kind of a submission error.
func KindOf(err error) (ErrorKind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}
