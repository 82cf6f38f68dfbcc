package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload matches every *ParseError via errors.Is.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnknownKind is returned when encoding an envelope of no known kind.
	ErrUnknownKind = errors.New("unknown envelope kind")
	// ErrServerClosed is returned by operations submitted after the relay loop stopped.
	ErrServerClosed = errors.New("relay server closed")
	// ErrAlreadyRunning is returned when Run is called twice on one Server.
	ErrAlreadyRunning = errors.New("relay server already running")
)

// ParseError reports a payload or envelope that could not be decoded.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrMalformedPayload, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrMalformedPayload, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrMalformedPayload) match any ParseError.
func (e *ParseError) Is(target error) bool {
	return target == ErrMalformedPayload
}
