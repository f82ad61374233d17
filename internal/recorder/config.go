package recorder

import (
	"fmt"
	"strings"
	"time"

	"github.com/gameon/recorder/internal/encoder"
	"github.com/gameon/recorder/internal/models"
)

// SessionConfig is what a caller chooses when starting a session.
type SessionConfig struct {
	GameName        string           `json:"game_name"`
	InputType       models.InputType `json:"input_type"`
	FPS             int              `json:"fps"`
	MonitorIndex    int              `json:"monitor_index"`
	LatencyOffsetMs int              `json:"latency_offset_ms"`
	VideoCodec      string           `json:"video_codec"`
	SystemAudio     bool             `json:"system_audio"`
	Microphone      bool             `json:"microphone"`
}

// MaxFPS bounds the requested frame rate.
const MaxFPS = 240

// Validate fills defaults and rejects unusable values.
func (c *SessionConfig) Validate() error {
	c.GameName = strings.TrimSpace(c.GameName)
	if c.GameName == "" {
		return fmt.Errorf("%w: game name is required", ErrInvalidConfig)
	}
	if c.InputType == "" {
		c.InputType = models.InputTypeKeyboard
	}
	if !c.InputType.Valid() {
		return fmt.Errorf("%w: unknown input type %q", ErrInvalidConfig, c.InputType)
	}
	if c.FPS == 0 {
		c.FPS = 60
	}
	if c.FPS < 1 || c.FPS > MaxFPS {
		return fmt.Errorf("%w: fps %d out of range 1-%d", ErrInvalidConfig, c.FPS, MaxFPS)
	}
	if c.MonitorIndex < 0 {
		return fmt.Errorf("%w: monitor index %d", ErrInvalidConfig, c.MonitorIndex)
	}
	if c.VideoCodec == "" {
		c.VideoCodec = encoder.CodecH264
	}
	if !encoder.Supported(c.VideoCodec) {
		return fmt.Errorf("%w: unsupported codec %q", ErrInvalidConfig, c.VideoCodec)
	}
	return nil
}

// Options tune the engine. Zero values take the defaults below.
type Options struct {
	SessionsDir string

	QueueSeconds   int           // frame queue capacity in seconds of frames
	QueueCapacity  int           // overrides QueueSeconds when > 0
	EnqueueTimeout time.Duration // how long a producer waits on a full queue before dropping

	BatchSize      int
	FlushInterval  time.Duration
	MaxPendingRows int // unwritten rows kept while the store fails; 0 is 100 batches

	InputBufferSize   int
	DrainInterval     time.Duration
	MouseMoveRate     float64 // moves per second kept; 0 keeps all
	InputRetries      int     // negative disables retries
	InputRetryBackoff time.Duration

	HealthInterval time.Duration
	StopGrace      time.Duration
	OrphanGrace    time.Duration
	MaxLeadPad     time.Duration

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.SessionsDir == "" {
		o.SessionsDir = "data/sessions"
	}
	if o.QueueSeconds <= 0 {
		o.QueueSeconds = 2
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = 250 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.MaxPendingRows <= 0 {
		o.MaxPendingRows = 100 * o.BatchSize
	}
	if o.InputBufferSize <= 0 {
		o.InputBufferSize = 10000
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = 50 * time.Millisecond
	}
	switch {
	case o.InputRetries == 0:
		o.InputRetries = 3
	case o.InputRetries < 0: // no retries
		o.InputRetries = 0
	}
	if o.InputRetryBackoff <= 0 {
		o.InputRetryBackoff = 500 * time.Millisecond
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 5 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 10 * time.Second
	}
	if o.OrphanGrace <= 0 {
		o.OrphanGrace = 30 * time.Second
	}
	if o.MaxLeadPad <= 0 {
		o.MaxLeadPad = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) queueCapacity(fps int) int {
	if o.QueueCapacity > 0 {
		return o.QueueCapacity
	}
	return o.QueueSeconds * fps
}
