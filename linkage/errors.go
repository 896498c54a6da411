package linkage

import (
	"errors"

	"github.com/berkmancenter/linkage-point/pseudonym"
)

var (
	ErrInvalidRole         = errors.New("invalid role")
	ErrUnknownParty        = errors.New("unknown party")
	ErrMalformedEncoding   = errors.New("malformed encoding")
	ErrShareLengthMismatch = errors.New("share length mismatch")
	ErrNotReady            = errors.New("session not ready")
	ErrSessionTimeout      = errors.New("session timed out")
	ErrInvalidCount        = errors.New("invalid count")

	// errSessionClosed is returned by a discarded session; the registry
	// retries the submission on a fresh one.
	errSessionClosed = errors.New("session closed")
)

// Kind names the error kind reported to callers, or "" for unexpected errors.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRole):
		return "InvalidRole"
	case errors.Is(err, ErrUnknownParty):
		return "UnknownParty"
	case errors.Is(err, ErrMalformedEncoding), errors.Is(err, pseudonym.ErrMalformedToken):
		return "MalformedEncoding"
	case errors.Is(err, ErrShareLengthMismatch):
		return "ShareLengthMismatch"
	case errors.Is(err, ErrNotReady):
		return "NotReady"
	case errors.Is(err, ErrSessionTimeout):
		return "SessionTimeout"
	case errors.Is(err, ErrInvalidCount):
		return "InvalidCount"
	}
	return ""
}
