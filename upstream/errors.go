package upstream

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed set of failure classes produced at the point each
// upstream failure is detected. Downstream code branches on the kind instead
// of re-deriving intent from message text.
type ErrorKind int

const (
	// KindUnavailable marks transient upstream failures: the service (or a
	// dependency behind it) is temporarily unreachable and a retry is sensible.
	KindUnavailable ErrorKind = iota + 1
	// KindRejected marks permanent upstream failures: the API answered and
	// said no, or answered with something unusable.
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error is a classified upstream failure. Status and Body carry the HTTP
// diagnostics when the failure came from a non-success response.
type Error struct {
	Kind   ErrorKind
	Msg    string
	Status int
	Body   string
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.err }

// Temporary reports whether retrying the operation may succeed.
func (e *Error) Temporary() bool { return e.Kind == KindUnavailable }

// temporaryError is satisfied by failures that advise a retry, including
// *Error and *TimeoutError.
type temporaryError interface {
	Temporary() bool
}

// transientSignatures are the message fragments the original gateway treated
// as retryable. They remain as a fallback for errors that cross the tool
// boundary without a classified type.
var transientSignatures = []string{"503", "timeout", "UNAVAILABLE"}

// IsTemporary classifies an arbitrary error as retryable. Classified errors
// answer for themselves; anything else falls back to signature matching on
// the message text.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var te temporaryError
	if errors.As(err, &te) {
		return te.Temporary()
	}
	msg := err.Error()
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
