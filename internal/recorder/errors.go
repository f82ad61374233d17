package recorder

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRecording is returned by Start while a session is active.
	ErrAlreadyRecording = errors.New("a session is already recording")
	// ErrNotRecording is returned by Stop when there is nothing to stop.
	ErrNotRecording = errors.New("no session is recording")
	// ErrInvalidConfig wraps SessionConfig validation failures.
	ErrInvalidConfig = errors.New("invalid session config")
	// ErrStopTimeout is the cause recorded when workers ignore the stop signal.
	ErrStopTimeout = errors.New("workers did not stop within the grace period")
)

// Kind classifies a stream failure.
type Kind int

const (
	KindFatal Kind = iota
	KindDegraded
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindDegraded:
		return "degraded"
	case KindTransient:
		return "transient"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Stream names used in errors, logs and health notes.
const (
	StreamVideo      = "video"
	StreamEncoder    = "encoder"
	StreamSystem     = "system_audio"
	StreamMicrophone = "microphone_audio"
	StreamInput      = "input"
	StreamPersist    = "persistence"
)

// StreamError is a failure attributed to one stream.
type StreamError struct {
	Stream string
	Kind   Kind
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stream, e.Kind, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

func fatal(stream string, err error) error {
	return &StreamError{Stream: stream, Kind: KindFatal, Err: err}
}

// IsFatal reports whether err carries a fatal StreamError.
func IsFatal(err error) bool {
	var se *StreamError
	return errors.As(err, &se) && se.Kind == KindFatal
}
