package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameon/recorder/internal/models"
)

// memStore records batches and can be told to fail the next writes.
type memStore struct {
	Store

	mu      sync.Mutex
	batches []models.Batch
	failing int
}

func (m *memStore) WriteBatch(_ context.Context, b models.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing > 0 {
		m.failing--
		return errors.New("database is locked")
	}
	m.batches = append(m.batches, b)
	return nil
}

func (m *memStore) events() []models.InputEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.InputEvent
	for _, b := range m.batches {
		out = append(out, b.Events...)
	}
	return out
}

type staticResolver struct {
	mu    sync.Mutex
	codes map[string]int64
	err   error
}

func (r *staticResolver) Resolve(_ context.Context, device models.InputDevice, raw string) (models.ActionCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return models.ActionCode{}, r.err
	}
	if r.codes == nil {
		r.codes = map[string]int64{}
	}
	key := string(device) + ":" + raw
	id, ok := r.codes[key]
	if !ok {
		id = int64(len(r.codes) + 1)
		r.codes[key] = id
	}
	return models.ActionCode{ID: id, InputDevice: device, RawInput: raw}, nil
}

func event(id uuid.UUID, ms int64, key string) models.InputEvent {
	return models.InputEvent{SessionID: id, TimestampMs: ms, InputDevice: models.DeviceKeyboard, ButtonKey: key, Action: models.ActionPress}
}

func TestBatcher_FlushSortsStablyAndResolves(t *testing.T) {
	ctx := context.Background()
	st := &memStore{}
	b := NewBatcher(st, &staticResolver{}, 100, time.Hour, nil)
	id := uuid.New()

	b.EnqueueEvents(event(id, 30, "a"), event(id, 10, "b"), event(id, 30, "c"), event(id, 20, "a"))
	b.EnqueueFrames(models.FrameTimestamp{SessionID: id, FrameNumber: 0})
	assert.Equal(t, 5, b.Pending())
	require.NoError(t, b.Flush(ctx))
	assert.Zero(t, b.Pending())

	got := st.events()
	require.Len(t, got, 4)
	keys := make([]string, len(got))
	for i, e := range got {
		keys[i] = e.ButtonKey
		require.NotNil(t, e.ActionCode)
	}
	assert.Equal(t, []string{"b", "a", "a", "c"}, keys)
	assert.Equal(t, *got[1].ActionCode, *got[2].ActionCode)
	assert.NotEqual(t, *got[0].ActionCode, *got[1].ActionCode)
	require.Len(t, st.batches, 1)
	assert.Len(t, st.batches[0].Frames, 1)

	require.NoError(t, b.Flush(ctx))
	assert.Len(t, st.batches, 1, "empty flush writes nothing")
}

func TestBatcher_FailedWriteRequeues(t *testing.T) {
	ctx := context.Background()
	st := &memStore{failing: 1}
	b := NewBatcher(st, nil, 100, time.Hour, nil)
	id := uuid.New()

	b.EnqueueEvents(event(id, 1, "x"))
	require.Error(t, b.Flush(ctx))
	assert.Equal(t, 1, b.Pending())

	b.EnqueueEvents(event(id, 2, "y"))
	require.NoError(t, b.Flush(ctx))
	got := st.events()
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].ButtonKey)
	assert.Equal(t, "y", got[1].ButtonKey)
}

func TestBatcher_ResolveErrorKeepsRows(t *testing.T) {
	st := &memStore{}
	b := NewBatcher(st, &staticResolver{err: errors.New("locked")}, 100, time.Hour, nil)
	b.EnqueueEvents(event(uuid.New(), 1, "x"))
	require.Error(t, b.Flush(context.Background()))
	assert.Equal(t, 1, b.Pending())
	assert.Empty(t, st.batches)
}

func TestBatcher_SizeTriggersFlush(t *testing.T) {
	st := &memStore{}
	b := NewBatcher(st, nil, 3, time.Hour, nil)
	b.Start(context.Background())
	defer func() { _ = b.Close(context.Background()) }()

	id := uuid.New()
	b.EnqueueEvents(event(id, 1, "a"), event(id, 2, "b"))
	b.EnqueueEvents(event(id, 3, "c"))
	assert.Eventually(t, func() bool { return len(st.events()) == 3 }, time.Second, 10*time.Millisecond)
}

func TestBatcher_IntervalAndClose(t *testing.T) {
	st := &memStore{}
	b := NewBatcher(st, nil, 1000, 20*time.Millisecond, nil)
	b.Start(context.Background())

	id := uuid.New()
	b.EnqueueEvents(event(id, 1, "a"))
	assert.Eventually(t, func() bool { return len(st.events()) == 1 }, time.Second, 10*time.Millisecond)

	b.EnqueueHealth(models.SessionHealth{SessionID: id})
	require.NoError(t, b.Close(context.Background()))
	assert.Zero(t, b.Pending())
	require.NoError(t, b.Close(context.Background()), "close is idempotent")
}

func TestBatcher_CloseReportsUnwrittenRows(t *testing.T) {
	st := &memStore{failing: 100}
	b := NewBatcher(st, nil, 1000, time.Hour, nil)
	b.Start(context.Background())
	b.EnqueueEvents(event(uuid.New(), 1, "a"))
	err := b.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "final flush")
	assert.Equal(t, 1, b.Pending())
}

func TestBatcher_BacklogLimitDropsFramesFirst(t *testing.T) {
	ctx := context.Background()
	st := &memStore{failing: 100}
	b := NewBatcher(st, nil, 100, time.Hour, nil)
	var drops []DroppedRows
	b.SetLimit(4, func(d DroppedRows) { drops = append(drops, d) })
	id := uuid.New()

	b.EnqueueEvents(event(id, 1, "a"), event(id, 2, "b"))
	b.EnqueueFrames(
		models.FrameTimestamp{SessionID: id, FrameNumber: 0},
		models.FrameTimestamp{SessionID: id, FrameNumber: 1},
		models.FrameTimestamp{SessionID: id, FrameNumber: 2},
	)
	b.EnqueueHealth(models.SessionHealth{SessionID: id})
	require.Error(t, b.Flush(ctx))
	assert.Equal(t, 4, b.Pending())
	require.Len(t, drops, 1)
	assert.Equal(t, DroppedRows{Frames: 2}, drops[0])

	b.EnqueueEvents(event(id, 3, "c"), event(id, 4, "d"))
	require.Error(t, b.Flush(ctx))
	require.Len(t, drops, 2)
	assert.Equal(t, DroppedRows{Frames: 3, Health: 1}, drops[1])

	b.EnqueueEvents(event(id, 5, "e"))
	require.Error(t, b.Flush(ctx))
	require.Len(t, drops, 3)
	assert.Equal(t, DroppedRows{Frames: 3, Health: 1, Events: 1}, drops[2])
	assert.Equal(t, 4, b.Pending())

	st.mu.Lock()
	st.failing = 0
	st.mu.Unlock()
	require.NoError(t, b.Flush(ctx))
	var keys []string
	for _, e := range st.events() {
		keys = append(keys, e.ButtonKey)
	}
	assert.Equal(t, []string{"b", "c", "d", "e"}, keys, "oldest events go last")
	assert.Len(t, drops, 3, "a successful flush drops nothing")
}

func TestBatcher_UnlimitedKeepsEverything(t *testing.T) {
	st := &memStore{failing: 100}
	b := NewBatcher(st, nil, 100, time.Hour, nil)
	id := uuid.New()
	for i := 0; i < 50; i++ {
		b.EnqueueFrames(models.FrameTimestamp{SessionID: id, FrameNumber: int64(i)})
		require.Error(t, b.Flush(context.Background()))
	}
	assert.Equal(t, 50, b.Pending())
}

func TestBatcher_RowsAfterCloseAreCounted(t *testing.T) {
	ctx := context.Background()
	st := &memStore{}
	b := NewBatcher(st, nil, 100, time.Hour, nil)
	b.Start(ctx)
	id := uuid.New()
	b.EnqueueEvents(event(id, 1, "a"))
	require.NoError(t, b.Close(ctx))

	b.EnqueueFrames(models.FrameTimestamp{SessionID: id})
	b.EnqueueEvents(event(id, 2, "b"))
	b.EnqueueHealth(models.SessionHealth{SessionID: id})
	assert.Equal(t, 3, b.Late())
	assert.Zero(t, b.Pending())
	assert.Len(t, st.events(), 1)
}
