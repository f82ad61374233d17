package recorder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gameon/recorder/internal/capture"
	"github.com/gameon/recorder/internal/metrics"
	"github.com/gameon/recorder/internal/models"
)

var errListenerClosed = errors.New("input listener stopped")

// inputCollector timestamps raw input on arrival and buffers it for the
// batcher. Handle runs on the listener's goroutine and never blocks. Buffered
// timestamps never decrease.
type inputCollector struct {
	sessionID     uuid.UUID
	listener      capture.InputListener
	clock         clock
	latencyMs     int64
	capacity      int
	moves         *rate.Limiter
	retries       int
	backoff       time.Duration
	drainInterval time.Duration
	batcher       *Batcher
	onNote        func(note string)
	logger        *zap.Logger

	mu            sync.Mutex
	buf           []models.InputEvent
	droppedMoves  int64
	droppedOthers int64
	reported      int64
	lastMs        int64
}

func newInputCollector(sessionID uuid.UUID, listener capture.InputListener, clk clock, latencyMs int, opts Options,
	batcher *Batcher, onNote func(string), logger *zap.Logger) *inputCollector {
	c := &inputCollector{
		sessionID:     sessionID,
		listener:      listener,
		clock:         clk,
		latencyMs:     int64(latencyMs),
		capacity:      opts.InputBufferSize,
		retries:       opts.InputRetries,
		backoff:       opts.InputRetryBackoff,
		drainInterval: opts.DrainInterval,
		batcher:       batcher,
		onNote:        onNote,
		logger:        logger,
		buf:           make([]models.InputEvent, 0, opts.InputBufferSize),
		lastMs:        math.MinInt64,
	}
	if opts.MouseMoveRate > 0 {
		burst := int(opts.MouseMoveRate / 10)
		if burst < 1 {
			burst = 1
		}
		c.moves = rate.NewLimiter(rate.Limit(opts.MouseMoveRate), burst)
	}
	return c
}

// Handle converts a raw notification into an InputEvent and buffers it.
func (c *inputCollector) Handle(raw capture.RawInput) {
	at := c.clock.now()
	device := string(raw.Device)
	if raw.Action == models.ActionMove && c.moves != nil && !c.moves.AllowN(at, 1) {
		metrics.InputEvents.WithLabelValues(device, "throttled").Inc()
		return
	}
	ev := models.InputEvent{
		SessionID:   c.sessionID,
		InputDevice: raw.Device,
		ButtonKey:   raw.Key,
		Action:      raw.Action,
		Value:       raw.Value,
		XPosition:   raw.X,
		YPosition:   raw.Y,
	}

	c.mu.Lock()
	n := len(c.buf)
	switch {
	case raw.Action == models.ActionMove && n >= c.capacity:
		c.droppedMoves++
		c.mu.Unlock()
		metrics.InputEvents.WithLabelValues(device, "dropped").Inc()
		return
	case n >= 2*c.capacity:
		c.droppedOthers++
		c.mu.Unlock()
		metrics.InputEvents.WithLabelValues(device, "dropped").Inc()
		return
	}
	ev.TimestampMs = c.clock.ms(at) + c.latencyMs
	if ev.TimestampMs < c.lastMs {
		ev.TimestampMs = c.lastMs
	}
	c.lastMs = ev.TimestampMs
	c.buf = append(c.buf, ev)
	c.mu.Unlock()
	metrics.InputEvents.WithLabelValues(device, "accepted").Inc()
}

// drain hands the buffer to the batcher and reports new drops.
func (c *inputCollector) drain() {
	c.mu.Lock()
	events := c.buf
	c.buf = make([]models.InputEvent, 0, c.capacity)
	moves, others := c.droppedMoves, c.droppedOthers
	newDrops := moves + others - c.reported
	c.reported = moves + others
	c.mu.Unlock()

	c.batcher.EnqueueEvents(events...)
	if newDrops > 0 && c.onNote != nil {
		c.onNote(fmt.Sprintf("input buffer full: dropped %d move and %d other events so far", moves, others))
	}
}

// run keeps the listener alive and drains on a timer. It returns nil on
// cancellation and a fatal error once retries are exhausted.
func (c *inputCollector) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- c.listen(ctx) }()

	ticker := time.NewTicker(c.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.drain()
		case err := <-errCh:
			c.drain()
			return err
		}
	}
}

func (c *inputCollector) listen(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := c.listener.Listen(ctx, c.Handle)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errListenerClosed
		}
		if attempt >= c.retries {
			c.logger.Error("Input listener failed, retries exhausted", zap.Int("attempts", attempt+1), zap.Error(err))
			return fatal(StreamInput, err)
		}
		wait := c.backoff * time.Duration(attempt+1)
		c.logger.Warn("Input listener failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
