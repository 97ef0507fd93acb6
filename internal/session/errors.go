package session

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-lecture/internal/protocol"
)

var (
	// ErrOutOfRange marks an advance past either end of the deck. The
	// authority treats it as a no-op and never reports it to callers.
	ErrOutOfRange = errors.New("advance out of range")

	ErrStaleNotification    = errors.New("stale notification")
	ErrAuthorityUnreachable = errors.New("authority unreachable")
	ErrSessionFinished      = errors.New("session finished")
	ErrInvalidDirection     = errors.New("invalid direction")
	ErrNarrationUnavailable = errors.New("narration unavailable")
	ErrRendererUnavailable  = errors.New("renderer unavailable")
	ErrDeckMismatch         = errors.New("deck mismatch")
	ErrStopped              = errors.New("authority stopped")
)

// StaleError describes a dropped change notification.
type StaleError struct {
	Seq  uint64
	Last uint64
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("stale notification: seq %d, last applied %d", e.Seq, e.Last)
}

func (e *StaleError) Is(target error) bool { return target == ErrStaleNotification }

// Gap reports whether notifications were missed, as opposed to a duplicate
// or reordered one arriving late.
func (e *StaleError) Gap() bool { return e.Seq > e.Last+1 }

// CodeOf maps an error to the reply code sent over the bus.
func CodeOf(err error) protocol.Code {
	switch {
	case err == nil:
		return protocol.CodeOK
	case errors.Is(err, ErrSessionFinished):
		return protocol.CodeFinished
	case errors.Is(err, ErrInvalidDirection):
		return protocol.CodeBadRequest
	default:
		return protocol.CodeUnavailable
	}
}

// ErrorFromCode rebuilds a sentinel-wrapped error from a reply.
func ErrorFromCode(code protocol.Code, msg string) error {
	var base error
	switch code {
	case protocol.CodeOK:
		return nil
	case protocol.CodeFinished:
		base = ErrSessionFinished
	case protocol.CodeBadRequest:
		base = ErrInvalidDirection
	default:
		base = ErrAuthorityUnreachable
	}
	if msg == "" || msg == base.Error() {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}
