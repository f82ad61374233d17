package recorder

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gameon/recorder/internal/capture"
	"github.com/gameon/recorder/internal/metrics"
	"github.com/gameon/recorder/internal/models"
)

// queuedFrame is a captured frame waiting for the encoder.
type queuedFrame struct {
	number    int64
	captureMs int64
	pixels    []byte
}

// counters are the per-session totals shared by the workers and the health monitor.
type counters struct {
	captured atomic.Int64
	dropped  atomic.Int64
	written  atomic.Int64
}

// frameProducer pulls frames at the target cadence into a bounded queue. On a
// full queue it waits up to enqueueTimeout, then drops the frame and records
// it as dropped.
type frameProducer struct {
	sessionID      uuid.UUID
	src            capture.FrameSource
	first          *capture.Frame
	out            chan queuedFrame
	fps            int
	enqueueTimeout time.Duration
	clock          clock
	batcher        *Batcher
	stats          *counters
	logger         *zap.Logger
}

func (p *frameProducer) run(ctx context.Context) error {
	defer close(p.out)
	stopClose := context.AfterFunc(ctx, func() { _ = p.src.Close() })
	defer func() {
		stopClose()
		_ = p.src.Close()
	}()

	var n int64
	if p.first != nil {
		p.offer(ctx, n, *p.first)
		n++
		p.first = nil
	}

	ticker := time.NewTicker(time.Second / time.Duration(p.fps))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		frame, err := p.src.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("Video capture failed", zap.Int64("frame", n), zap.Error(err))
			return fatal(StreamVideo, err)
		}
		p.offer(ctx, n, frame)
		n++
	}
}

func (p *frameProducer) offer(ctx context.Context, n int64, frame capture.Frame) {
	at := frame.CapturedAt
	if at.IsZero() {
		at = p.clock.now()
	}
	qf := queuedFrame{number: n, captureMs: p.clock.ms(at), pixels: frame.Pixels}

	select {
	case p.out <- qf:
		p.accepted()
		return
	default:
	}

	timer := time.NewTimer(p.enqueueTimeout)
	defer timer.Stop()
	select {
	case p.out <- qf:
		p.accepted()
	case <-timer.C:
		p.drop(qf)
	case <-ctx.Done():
		p.drop(qf)
	}
}

func (p *frameProducer) accepted() {
	p.stats.captured.Add(1)
	metrics.FramesCaptured.Inc()
}

func (p *frameProducer) drop(qf queuedFrame) {
	p.stats.dropped.Add(1)
	metrics.FramesDropped.Inc()
	p.batcher.EnqueueFrames(models.FrameTimestamp{
		SessionID:          p.sessionID,
		FrameNumber:        qf.number,
		CaptureTimestampMs: qf.captureMs,
		Dropped:            true,
	})
	p.logger.Debug("Frame dropped on full queue", zap.Int64("frame", qf.number))
}
