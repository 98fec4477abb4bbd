package chat

import (
	"errors"
	"fmt"
)

// Sentinel kinds for the domain error taxonomy.
// Callers classify with the Is* helpers; HTTP/WS layers map kinds to codes.
var (
	ErrNotFound            = errors.New("not found")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrValidation          = errors.New("validation failed")
	ErrDuplicateSubmission = errors.New("duplicate submission")
	ErrUpstream            = errors.New("upstream unavailable")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind MUST be one of the sentinel kinds above. Msg may include human-readable
// context; do not include message text bodies.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsPermissionDenied reports whether err represents ErrPermissionDenied.
func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsDuplicateSubmission reports whether err represents ErrDuplicateSubmission.
func IsDuplicateSubmission(err error) bool { return errors.Is(err, ErrDuplicateSubmission) }

// IsUpstream reports whether err represents ErrUpstream.
func IsUpstream(err error) bool { return errors.Is(err, ErrUpstream) }
