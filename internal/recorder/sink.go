package recorder

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gameon/recorder/internal/encoder"
	"github.com/gameon/recorder/internal/models"
)

// encoderSink drains the frame queue into the encoder until the producer
// closes it, then closes the encoder.
type encoderSink struct {
	sessionID uuid.UUID
	enc       encoder.Encoder
	in        <-chan queuedFrame
	clock     clock
	batcher   *Batcher
	stats     *counters
	logger    *zap.Logger

	result encoder.Result
}

// run exits when the producer closes the queue, so every accepted frame
// reaches the encoder. A write failure closes the encoder and returns at once.
func (s *encoderSink) run() error {
	for qf := range s.in {
		if err := s.enc.WriteFrame(qf.pixels); err != nil {
			s.logger.Error("Encoder write failed", zap.Int64("frame", qf.number), zap.Error(err))
			s.result, _ = s.enc.Close()
			return fatal(StreamEncoder, err)
		}
		written := s.clock.sinceMs()
		s.stats.written.Add(1)
		s.batcher.EnqueueFrames(models.FrameTimestamp{
			SessionID:          s.sessionID,
			FrameNumber:        qf.number,
			CaptureTimestampMs: qf.captureMs,
			WriteTimestampMs:   &written,
		})
	}

	res, err := s.enc.Close()
	s.result = res
	if err != nil {
		return fatal(StreamEncoder, err)
	}
	return nil
}
