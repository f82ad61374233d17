package recorder

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gameon/recorder/internal/capture"
	"github.com/gameon/recorder/internal/models"
)

type noteSink struct {
	mu    sync.Mutex
	notes []string
}

func (n *noteSink) add(s string) {
	n.mu.Lock()
	n.notes = append(n.notes, s)
	n.mu.Unlock()
}

func (n *noteSink) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notes...)
}

// newCollector returns a collector whose clock is pinned one second after
// start.
func newCollector(t *testing.T, opts Options, listener capture.InputListener, latency int) (*inputCollector, *Batcher, *noteSink, *testClock, time.Time) {
	t.Helper()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tc := &testClock{}
	tc.pin(start.Add(time.Second))
	b := NewBatcher(&memStore{}, nil, 1_000_000, time.Hour, nil)
	notes := &noteSink{}
	c := newInputCollector(uuid.New(), listener, clock{start: start, now: tc.Now}, latency, opts.withDefaults(), b, notes.add, zap.NewNop())
	return c, b, notes, tc, start
}

func pendingTimestamps(b *Batcher) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, len(b.pending.Events))
	for i, e := range b.pending.Events {
		out[i] = e.TimestampMs
	}
	return out
}

func TestInputCollector_Timestamps(t *testing.T) {
	c, b, _, tc, start := newCollector(t, Options{}, nil, 25)
	x, y := 10.0, 20.0

	tc.pin(start.Add(1999 * time.Microsecond))
	c.Handle(capture.RawInput{Device: models.DeviceMouse, Key: "move", Action: models.ActionMove, X: &x, Y: &y})
	tc.pin(start.Add(100 * time.Millisecond))
	c.Handle(capture.RawInput{Device: models.DeviceKeyboard, Key: "w", Action: models.ActionPress})
	tc.pin(start.Add(time.Second))
	c.Handle(capture.RawInput{Device: models.DeviceKeyboard, Key: "w", Action: models.ActionRelease})
	c.drain()

	b.mu.Lock()
	events := b.pending.Events
	b.mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, int64(26), events[0].TimestampMs, "sub-millisecond offsets truncate")
	require.NotNil(t, events[0].XPosition)
	assert.Equal(t, 10.0, *events[0].XPosition)
	assert.Equal(t, int64(125), events[1].TimestampMs)
	assert.Equal(t, int64(1025), events[2].TimestampMs)
	assert.Equal(t, c.sessionID, events[2].SessionID)
}

func TestInputCollector_TimestampsNeverDecrease(t *testing.T) {
	c, b, _, tc, start := newCollector(t, Options{}, nil, 0)
	press := capture.RawInput{Device: models.DeviceKeyboard, Key: "e", Action: models.ActionPress}

	tc.pin(start.Add(300 * time.Millisecond))
	c.Handle(press)
	c.drain()
	tc.pin(start.Add(100 * time.Millisecond))
	c.Handle(press)
	tc.pin(start.Add(400 * time.Millisecond))
	c.Handle(press)
	c.drain()

	assert.Equal(t, []int64{300, 300, 400}, pendingTimestamps(b))
}

func TestInputCollector_NegativeOffsetIsNotClamped(t *testing.T) {
	c, b, _, tc, start := newCollector(t, Options{}, nil, -40)
	tc.pin(start.Add(5 * time.Millisecond))
	c.Handle(capture.RawInput{Device: models.DeviceKeyboard, Key: "e", Action: models.ActionPress})
	c.drain()

	assert.Equal(t, []int64{-35}, pendingTimestamps(b))
}

func TestInputCollector_DropPolicy(t *testing.T) {
	c, b, notes, _, _ := newCollector(t, Options{InputBufferSize: 2}, nil, 0)
	move := capture.RawInput{Device: models.DeviceMouse, Key: "move", Action: models.ActionMove}
	press := capture.RawInput{Device: models.DeviceKeyboard, Key: "a", Action: models.ActionPress}

	c.Handle(press)
	c.Handle(press)
	c.Handle(move) // buffer at capacity: moves go first
	c.Handle(press)
	c.Handle(press)
	c.Handle(press) // past twice the capacity
	c.drain()

	assert.Equal(t, 4, b.Pending())
	got := notes.all()
	require.Len(t, got, 1)
	assert.True(t, strings.Contains(got[0], "dropped 1 move and 1 other"), got[0])

	c.drain()
	assert.Len(t, notes.all(), 1, "no new drops, no new note")
}

func TestInputCollector_ThrottlesMoves(t *testing.T) {
	c, b, _, tc, start := newCollector(t, Options{MouseMoveRate: 10}, nil, 0)
	for i := 0; i < 20; i++ {
		tc.pin(start.Add(time.Duration(i) * time.Millisecond))
		c.Handle(capture.RawInput{Device: models.DeviceMouse, Key: "move", Action: models.ActionMove})
	}
	c.Handle(capture.RawInput{Device: models.DeviceMouse, Key: "left", Action: models.ActionPress})
	c.drain()
	// burst of one, then nothing until 100ms have passed
	assert.Equal(t, 2, b.Pending())
}

func TestInputCollector_RunRetriesAndGivesUp(t *testing.T) {
	l := newFakeListener()
	l.failures = 5
	c, _, _, _, _ := newCollector(t, Options{InputRetries: 2, InputRetryBackoff: time.Millisecond, DrainInterval: 5 * time.Millisecond}, l, 0)

	err := c.run(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, errDeviceLost)
	assert.Equal(t, 3, l.attempts)
}

func TestInputCollector_RunStopsOnCancel(t *testing.T) {
	l := newFakeListener()
	c, b, _, _, _ := newCollector(t, Options{DrainInterval: 5 * time.Millisecond}, l, 0)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.run(ctx) }()

	l.waitReady(t)
	l.emit(capture.RawInput{Device: models.DeviceKeyboard, Key: "q", Action: models.ActionPress})
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
	assert.Equal(t, 1, b.Pending(), "final drain hands over buffered events")
}
