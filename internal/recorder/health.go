package recorder

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gameon/recorder/internal/models"
)

// healthMonitor writes periodic SessionHealth rows and heartbeats the session
// row. It is advisory: its errors are logged, never returned.
type healthMonitor struct {
	sessionID uuid.UUID
	dir       string
	interval  time.Duration
	store     Store
	batcher   *Batcher
	stats     *counters
	now       func() time.Time
	logger    *zap.Logger

	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
}

func (h *healthMonitor) run(ctx context.Context) error {
	h.mu.Lock()
	h.lastCPU, h.lastWall = processCPUTime(), h.now()
	h.mu.Unlock()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		h.batcher.EnqueueHealth(h.snapshot(nil))
		if err := h.store.Heartbeat(ctx, h.sessionID, h.now().UTC()); err != nil && ctx.Err() == nil {
			h.logger.Warn("Session heartbeat failed", zap.String("session_id", h.sessionID.String()), zap.Error(err))
		}
	}
}

// note records an out-of-band health row carrying msg.
func (h *healthMonitor) note(msg string) {
	h.batcher.EnqueueHealth(h.snapshot(&msg))
}

func (h *healthMonitor) snapshot(note *string) models.SessionHealth {
	now := h.now()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return models.SessionHealth{
		SessionID:      h.sessionID,
		CheckTime:      now.UTC(),
		DiskSpaceGB:    diskFreeGB(h.dir),
		CPUPercent:     h.cpuPercent(now),
		MemoryMB:       float64(ms.Sys) / (1 << 20),
		FramesCaptured: h.stats.captured.Load(),
		FramesDropped:  h.stats.dropped.Load(),
		Note:           note,
	}
}

// cpuPercent is process CPU use since the previous sample, across all cores.
func (h *healthMonitor) cpuPercent(now time.Time) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cpu := processCPUTime()
	wall := now.Sub(h.lastWall)
	used := cpu - h.lastCPU
	h.lastCPU, h.lastWall = cpu, now
	if wall <= 0 || used < 0 {
		return 0
	}
	return float64(used) / float64(wall) * 100
}
