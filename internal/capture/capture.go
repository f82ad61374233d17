// Package capture defines the capability interfaces the recorder pulls frames,
// audio and input from, plus an ffmpeg-backed implementation of the first two.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/gameon/recorder/internal/models"
)

// ErrUnavailable means the requested source does not exist or is not configured.
// For optional audio this is a configuration choice, not a failure.
var ErrUnavailable = errors.New("capture source unavailable")

// Frame is one captured picture in BGRA byte order.
type Frame struct {
	Pixels     []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// AudioFormat describes the PCM produced by an AudioSource.
type AudioFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// AudioChunk is a block of interleaved samples.
type AudioChunk struct {
	Samples    []int
	CapturedAt time.Time
}

// Frames is the number of sample frames in the chunk.
func (c AudioChunk) Frames(channels int) int {
	if channels <= 0 {
		return 0
	}
	return len(c.Samples) / channels
}

// AudioKind selects which audio source to open.
type AudioKind string

const (
	AudioSystem     AudioKind = "system"
	AudioMicrophone AudioKind = "microphone"
)

// RawInput is one notification from a device listener. It carries no time:
// the recorder stamps it on arrival.
type RawInput struct {
	Device models.InputDevice `json:"device"`
	Key    string             `json:"key"`
	Action models.InputAction `json:"action"`
	Value  *float64           `json:"value,omitempty"`
	X      *float64           `json:"x,omitempty"`
	Y      *float64           `json:"y,omitempty"`
}

// VideoRequest selects the monitor and cadence for a FrameSource.
type VideoRequest struct {
	Monitor int
	FPS     int
}

// FrameSource yields frames until closed.
type FrameSource interface {
	NextFrame(ctx context.Context) (Frame, error)
	Close() error
}

// AudioSource yields fixed-size PCM chunks until closed.
type AudioSource interface {
	Format() AudioFormat
	NextChunk(ctx context.Context) (AudioChunk, error)
	Close() error
}

// InputListener delivers raw input to handle until ctx is done or the
// listener fails. handle must not block.
type InputListener interface {
	Listen(ctx context.Context, handle func(RawInput)) error
}

// InputOpener opens a listener for a controller family.
type InputOpener interface {
	OpenInput(ctx context.Context, inputType models.InputType) (InputListener, error)
}

// Devices opens every kind of source the recorder needs.
type Devices interface {
	InputOpener
	OpenVideo(ctx context.Context, req VideoRequest) (FrameSource, error)
	OpenAudio(ctx context.Context, kind AudioKind) (AudioSource, error)
}
