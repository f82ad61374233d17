package recorder

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"go.uber.org/zap"

	"github.com/gameon/recorder/internal/capture"
	"github.com/gameon/recorder/internal/metrics"
)

// wavPCM is the WAVE format tag for integer PCM.
const wavPCM = 1

// audioProducer appends chunks from one source to a WAV file. A failure after
// start degrades the stream: the file is closed and the session goes on.
type audioProducer struct {
	stream     string
	src        capture.AudioSource
	path       string
	clock      clock
	maxLeadPad time.Duration
	onDegraded func(stream string, err error)
	logger     *zap.Logger

	file   *os.File
	enc    *wav.Encoder
	format *audio.Format
	depth  int

	mu       sync.Mutex
	degraded bool
	frames   int64
}

// openAudioProducer creates the WAV file for src at path.
func openAudioProducer(stream string, src capture.AudioSource, path string) (*audioProducer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	fm := src.Format()
	depth := fm.BitDepth
	if depth == 0 {
		depth = 16
	}
	return &audioProducer{
		stream: stream,
		src:    src,
		path:   path,
		file:   f,
		enc:    wav.NewEncoder(f, fm.SampleRate, depth, fm.Channels, wavPCM),
		format: &audio.Format{NumChannels: fm.Channels, SampleRate: fm.SampleRate},
		depth:  depth,
	}, nil
}

func (a *audioProducer) run(ctx context.Context) error {
	stopClose := context.AfterFunc(ctx, func() { _ = a.src.Close() })
	defer stopClose()
	defer a.finish()

	first := true
	for {
		chunk, err := a.src.NextChunk(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.degrade(err)
			return nil
		}
		if first {
			first = false
			if err := a.padLead(chunk); err != nil {
				a.degrade(err)
				return nil
			}
		}
		if err := a.write(chunk.Samples); err != nil {
			a.degrade(err)
			return nil
		}
	}
}

// padLead writes silence so that file time zero is session time zero.
func (a *audioProducer) padLead(chunk capture.AudioChunk) error {
	if chunk.CapturedAt.IsZero() || a.format.SampleRate <= 0 {
		return nil
	}
	chunkLen := time.Duration(chunk.Frames(a.format.NumChannels)) * time.Second / time.Duration(a.format.SampleRate)
	lead := chunk.CapturedAt.Sub(a.clock.start) - chunkLen
	if lead <= 0 {
		return nil
	}
	if lead > a.maxLeadPad {
		lead = a.maxLeadPad
	}
	frames := int(lead * time.Duration(a.format.SampleRate) / time.Second)
	if frames == 0 {
		return nil
	}
	return a.write(make([]int, frames*a.format.NumChannels))
}

func (a *audioProducer) write(samples []int) error {
	if len(samples) == 0 {
		return nil
	}
	buf := &audio.IntBuffer{Format: a.format, Data: samples, SourceBitDepth: a.depth}
	if err := a.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	a.mu.Lock()
	a.frames += int64(len(samples) / a.format.NumChannels)
	a.mu.Unlock()
	return nil
}

func (a *audioProducer) degrade(err error) {
	a.mu.Lock()
	a.degraded = true
	a.mu.Unlock()
	metrics.StreamsDegraded.WithLabelValues(a.stream).Inc()
	a.logger.Warn("Audio stream degraded", zap.String("stream", a.stream), zap.Error(err))
	if a.onDegraded != nil {
		a.onDegraded(a.stream, err)
	}
}

// finish finalizes the WAV header and closes file and source.
func (a *audioProducer) finish() {
	if err := a.enc.Close(); err != nil {
		a.logger.Warn("Finalize wav failed", zap.String("path", a.path), zap.Error(err))
	}
	if err := a.file.Close(); err != nil {
		a.logger.Warn("Close wav failed", zap.String("path", a.path), zap.Error(err))
	}
	_ = a.src.Close()
}

// outcome reports whether the stream degraded and how many frames it wrote.
func (a *audioProducer) outcome() (degraded bool, frames int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.degraded, a.frames
}
