package storage

import (
	"context"
	"errors"
	"fmt"
)

// Error categories. Match them with errors.Is against any error returned by
// a Backend.
var (
	// ErrUnavailable means the backend is unreachable, misconfigured, or did
	// not answer before the operation deadline.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrCorrupt means the persisted collection exists but cannot be decoded.
	ErrCorrupt = errors.New("storage corrupt")
	// ErrConflict means a conditional write kept losing against concurrent
	// writers and gave up.
	ErrConflict = errors.New("storage write conflict")
)

// Error describes a failed backend call.
type Error struct {
	Op      string // "load", "save" or "update"
	Backend Kind
	Kind    error // one of ErrUnavailable, ErrCorrupt, ErrConflict
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s backend %s: %v", e.Backend, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s backend %s: %v: %v", e.Backend, e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the category and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func unavailable(backend Kind, op string, err error) error {
	return &Error{Op: op, Backend: backend, Kind: ErrUnavailable, Err: err}
}

func corrupt(backend Kind, op string, err error) error {
	return &Error{Op: op, Backend: backend, Kind: ErrCorrupt, Err: err}
}

func conflict(backend Kind, op string, attempts int) error {
	return &Error{Op: op, Backend: backend, Kind: ErrConflict, Err: fmt.Errorf("gave up after %d attempts", attempts)}
}

// ensureError classifies err for backend/op unless it already is a *Error.
// Anything unclassified, context deadlines included, counts as
// unavailability.
func ensureError(backend Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return unavailable(backend, op, err)
}

// IsTimeout reports whether err was caused by the operation deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// KindOf returns the category of err ("unavailable", "corrupt", "conflict")
// or "other" when err did not come from a backend.
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrCorrupt):
		return "corrupt"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "other"
	}
}
