package recorder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gameon/recorder/internal/metrics"
	"github.com/gameon/recorder/internal/models"
)

// Batcher accumulates input events, frame timestamps and health rows and
// writes them in batches. Enqueue calls never block on the store.
type Batcher struct {
	store     Store
	resolver  Resolver
	batchSize int
	interval  time.Duration
	logger    *zap.Logger
	limit     int
	onDrop    func(DroppedRows)

	mu      sync.Mutex
	pending models.Batch
	dropped DroppedRows
	closed  bool
	late    int

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// DroppedRows counts rows discarded because the store kept failing.
type DroppedRows struct {
	Frames int
	Health int
	Events int
}

// Total is the number of rows dropped.
func (d DroppedRows) Total() int {
	return d.Frames + d.Health + d.Events
}

// NewBatcher creates a batcher; call Start to begin periodic flushing.
func NewBatcher(store Store, resolver Resolver, batchSize int, interval time.Duration, logger *zap.Logger) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		store:     store,
		resolver:  resolver,
		batchSize: batchSize,
		interval:  interval,
		logger:    logger,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetLimit caps the rows kept after failed flushes. Past the cap frame rows go
// first, then health rows, then the oldest events; onDrop receives the running
// totals after each trim. Call it before Start.
func (b *Batcher) SetLimit(rows int, onDrop func(DroppedRows)) {
	b.limit = rows
	b.onDrop = onDrop
}

// EnqueueEvents adds input events.
func (b *Batcher) EnqueueEvents(events ...models.InputEvent) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.late += len(events)
		b.mu.Unlock()
		return
	}
	b.pending.Events = append(b.pending.Events, events...)
	full := len(b.pending.Events) >= b.batchSize
	b.mu.Unlock()
	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// EnqueueFrames adds frame timestamp rows.
func (b *Batcher) EnqueueFrames(frames ...models.FrameTimestamp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.late += len(frames)
		return
	}
	b.pending.Frames = append(b.pending.Frames, frames...)
}

// EnqueueHealth adds health snapshots.
func (b *Batcher) EnqueueHealth(checks ...models.SessionHealth) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.late += len(checks)
		return
	}
	b.pending.Health = append(b.pending.Health, checks...)
}

// Pending is the number of rows not yet written.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Size()
}

// Late is the number of rows enqueued after Close and discarded.
func (b *Batcher) Late() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.late
}

// Start runs the flush loop until Close. ctx should outlive the recording
// workers so the loop keeps flushing while they stop.
func (b *Batcher) Start(ctx context.Context) {
	go b.loop(ctx)
}

func (b *Batcher) loop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.kick:
		}
		if err := b.Flush(ctx); err != nil {
			b.logger.Warn("Batch flush failed, rows kept for next cycle", zap.Error(err))
		}
	}
}

// Close stops the loop and writes everything still pending. Its error means
// rows were not persisted. Rows enqueued after Close are counted by Late and
// discarded.
func (b *Batcher) Close(ctx context.Context) error {
	b.once.Do(func() { close(b.stop) })
	select {
	case <-b.done:
	case <-ctx.Done():
		return fmt.Errorf("wait for flush loop: %w", ctx.Err())
	}
	err := b.Flush(ctx)
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	return nil
}

// Flush writes the pending rows in one transaction. Events are stably sorted
// by timestamp and their action codes resolved first. On failure the rows go
// back to the front of the queue.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = models.Batch{}
	b.mu.Unlock()
	if batch.Empty() {
		return nil
	}

	sort.SliceStable(batch.Events, func(i, j int) bool {
		return batch.Events[i].TimestampMs < batch.Events[j].TimestampMs
	})

	err := b.resolveCodes(ctx, batch.Events)
	if err == nil {
		err = b.store.WriteBatch(ctx, batch)
	}
	if err != nil {
		b.requeue(batch)
		metrics.BatchFlushes.WithLabelValues("error").Inc()
		return err
	}
	metrics.BatchFlushes.WithLabelValues("ok").Inc()
	metrics.BatchRows.Observe(float64(batch.Size()))
	b.logger.Debug("Batch flushed",
		zap.Int("events", len(batch.Events)),
		zap.Int("frames", len(batch.Frames)),
		zap.Int("health", len(batch.Health)))
	return nil
}

func (b *Batcher) resolveCodes(ctx context.Context, events []models.InputEvent) error {
	if b.resolver == nil {
		return nil
	}
	for i := range events {
		if events[i].ActionCode != nil {
			continue
		}
		ac, err := b.resolver.Resolve(ctx, events[i].InputDevice, events[i].ButtonKey)
		if err != nil {
			return fmt.Errorf("resolve %s:%s: %w", events[i].InputDevice, events[i].ButtonKey, err)
		}
		id := ac.ID
		events[i].ActionCode = &id
	}
	return nil
}

func (b *Batcher) requeue(batch models.Batch) {
	b.mu.Lock()
	b.pending.Events = append(batch.Events, b.pending.Events...)
	b.pending.Frames = append(batch.Frames, b.pending.Frames...)
	b.pending.Health = append(batch.Health, b.pending.Health...)
	trimmed := b.trimLocked()
	total := b.dropped
	b.mu.Unlock()

	if trimmed.Total() == 0 {
		return
	}
	metrics.BatchRowsDropped.WithLabelValues("frame").Add(float64(trimmed.Frames))
	metrics.BatchRowsDropped.WithLabelValues("health").Add(float64(trimmed.Health))
	metrics.BatchRowsDropped.WithLabelValues("event").Add(float64(trimmed.Events))
	b.logger.Warn("Persistence backlog over limit, rows dropped",
		zap.Int("limit", b.limit),
		zap.Int("frames", trimmed.Frames),
		zap.Int("health", trimmed.Health),
		zap.Int("events", trimmed.Events))
	if b.onDrop != nil {
		b.onDrop(total)
	}
}

// trimLocked drops the oldest rows past the limit, frames first.
func (b *Batcher) trimLocked() DroppedRows {
	var d DroppedRows
	if b.limit <= 0 {
		return d
	}
	over := b.pending.Size() - b.limit
	if over <= 0 {
		return d
	}
	d.Frames = min(over, len(b.pending.Frames))
	b.pending.Frames = b.pending.Frames[d.Frames:]
	over -= d.Frames
	d.Health = min(over, len(b.pending.Health))
	b.pending.Health = b.pending.Health[d.Health:]
	over -= d.Health
	d.Events = min(over, len(b.pending.Events))
	b.pending.Events = b.pending.Events[d.Events:]

	b.dropped.Frames += d.Frames
	b.dropped.Health += d.Health
	b.dropped.Events += d.Events
	return d
}
