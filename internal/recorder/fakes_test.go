package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gameon/recorder/internal/actioncodes"
	"github.com/gameon/recorder/internal/capture"
	"github.com/gameon/recorder/internal/encoder"
	"github.com/gameon/recorder/internal/models"
	"github.com/gameon/recorder/internal/store/sqlite"
	"github.com/gameon/recorder/pkg/database"
)

var errDeviceLost = errors.New("device lost")

// testClock reads the wall clock unless a test pins it.
type testClock struct {
	mu     sync.Mutex
	pinned time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned.IsZero() {
		return time.Now()
	}
	return c.pinned
}

func (c *testClock) pin(t time.Time) {
	c.mu.Lock()
	c.pinned = t
	c.mu.Unlock()
}

func (c *testClock) unpin() { c.pin(time.Time{}) }

type fakeFrameSource struct {
	width, height int
	failAfter     int
	stall         chan struct{} // once stallAfter frames are served, NextFrame ignores ctx until closed
	stallAfter    int

	mu     sync.Mutex
	served int
	closed bool
}

func (f *fakeFrameSource) NextFrame(ctx context.Context) (capture.Frame, error) {
	if err := ctx.Err(); err != nil {
		return capture.Frame{}, err
	}
	f.mu.Lock()
	stalled := f.stall != nil && f.served >= f.stallAfter
	f.mu.Unlock()
	if stalled {
		<-f.stall
		return capture.Frame{}, os.ErrClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return capture.Frame{}, os.ErrClosed
	}
	f.served++
	if f.failAfter > 0 && f.served > f.failAfter {
		return capture.Frame{}, errDeviceLost
	}
	return capture.Frame{
		Pixels:     make([]byte, f.width*f.height*4),
		Width:      f.width,
		Height:     f.height,
		CapturedAt: time.Now(),
	}, nil
}

func (f *fakeFrameSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeAudioSource struct {
	chunk     time.Duration
	failAfter int

	mu     sync.Mutex
	served int
}

func (a *fakeAudioSource) Format() capture.AudioFormat {
	return capture.AudioFormat{SampleRate: 8000, Channels: 2, BitDepth: 16}
}

func (a *fakeAudioSource) NextChunk(ctx context.Context) (capture.AudioChunk, error) {
	select {
	case <-ctx.Done():
		return capture.AudioChunk{}, ctx.Err()
	case <-time.After(a.chunk):
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.served++
	if a.failAfter > 0 && a.served > a.failAfter {
		return capture.AudioChunk{}, errDeviceLost
	}
	frames := int(8000 * a.chunk / time.Second)
	samples := make([]int, frames*2)
	for i := range samples {
		samples[i] = (i % 64) * 100
	}
	return capture.AudioChunk{Samples: samples, CapturedAt: time.Now()}, nil
}

func (a *fakeAudioSource) Close() error { return nil }

// fakeListener lets a test push raw input once Listen is running.
type fakeListener struct {
	failures int

	mu        sync.Mutex
	handle    func(capture.RawInput)
	ready     chan struct{}
	readyOnce sync.Once
	attempts  int
}

func newFakeListener() *fakeListener {
	return &fakeListener{ready: make(chan struct{})}
}

func (l *fakeListener) Listen(ctx context.Context, handle func(capture.RawInput)) error {
	l.mu.Lock()
	l.attempts++
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return errDeviceLost
	}
	l.handle = handle
	l.mu.Unlock()
	l.readyOnce.Do(func() { close(l.ready) })
	<-ctx.Done()
	return ctx.Err()
}

func (l *fakeListener) emit(raw capture.RawInput) {
	l.mu.Lock()
	h := l.handle
	l.mu.Unlock()
	h(raw)
}

func (l *fakeListener) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-l.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never started")
	}
}

type fakeDevices struct {
	video    *fakeFrameSource
	videoErr error
	audio    map[capture.AudioKind]*fakeAudioSource
	listener *fakeListener
}

func (d *fakeDevices) OpenVideo(context.Context, capture.VideoRequest) (capture.FrameSource, error) {
	if d.videoErr != nil {
		return nil, d.videoErr
	}
	return d.video, nil
}

func (d *fakeDevices) OpenAudio(_ context.Context, kind capture.AudioKind) (capture.AudioSource, error) {
	src, ok := d.audio[kind]
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind, capture.ErrUnavailable)
	}
	return src, nil
}

func (d *fakeDevices) OpenInput(context.Context, models.InputType) (capture.InputListener, error) {
	return d.listener, nil
}

// fakeOpener opens encoders that write a few bytes per frame to the output.
type fakeOpener struct {
	release   chan struct{} // first write blocks until closed, when set
	failAfter int
	opened    *fakeEncoder
}

func (o *fakeOpener) Open(out encoder.Output) (encoder.Encoder, error) {
	f, err := os.Create(out.Path)
	if err != nil {
		return nil, &encoder.Error{Op: "open", Path: out.Path, Err: err}
	}
	o.opened = &fakeEncoder{file: f, release: o.release, failAfter: o.failAfter}
	return o.opened, nil
}

type fakeEncoder struct {
	file      *os.File
	release   chan struct{}
	failAfter int

	mu     sync.Mutex
	frames int64
}

func (e *fakeEncoder) WriteFrame(pixels []byte) error {
	if e.release != nil {
		<-e.release
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failAfter > 0 && e.frames >= int64(e.failAfter) {
		return &encoder.Error{Op: "write", Path: e.file.Name(), Err: errors.New("broken pipe")}
	}
	e.frames++
	_, err := e.file.Write([]byte("frame\n"))
	return err
}

func (e *fakeEncoder) Close() (encoder.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.file.Close()
	return encoder.Result{Frames: e.frames, Bytes: fileSize(e.file.Name())}, nil
}

// flakyStore fails WriteBatch while failing is set.
type flakyStore struct {
	*sqlite.Store
	failing atomic.Bool
}

func (f *flakyStore) WriteBatch(ctx context.Context, b models.Batch) error {
	if f.failing.Load() {
		return errors.New("disk I/O error")
	}
	return f.Store.WriteBatch(ctx, b)
}

type harness struct {
	store    *sqlite.Store
	registry *actioncodes.Registry
	devices  *fakeDevices
	opener   *fakeOpener
	orch     *Orchestrator
	clock    *testClock
	dir      string
}

// emitAt delivers raw as if it arrived ms after start.
func (h *harness) emitAt(start time.Time, ms int, raw capture.RawInput) {
	h.clock.pin(start.Add(time.Duration(ms) * time.Millisecond))
	defer h.clock.unpin()
	h.devices.listener.emit(raw)
}

func testOptions(dir string) Options {
	return Options{
		SessionsDir:       dir,
		FlushInterval:     50 * time.Millisecond,
		HealthInterval:    100 * time.Millisecond,
		DrainInterval:     20 * time.Millisecond,
		InputRetryBackoff: 10 * time.Millisecond,
		StopGrace:         3 * time.Second,
	}
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	db, err := database.OpenSQLite(database.SQLiteConfig{Path: filepath.Join(t.TempDir(), "recorder.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.MigrateSQLite(context.Background(), db))
	return sqlite.New(db)
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	st := newTestStore(t)
	h := &harness{
		store:    st,
		registry: actioncodes.NewRegistry(st, nil),
		devices: &fakeDevices{
			video:    &fakeFrameSource{width: 4, height: 2},
			audio:    map[capture.AudioKind]*fakeAudioSource{},
			listener: newFakeListener(),
		},
		opener: &fakeOpener{},
		clock:  &testClock{},
		dir:    t.TempDir(),
	}
	opts := testOptions(h.dir)
	opts.Now = h.clock.Now
	if tweak != nil {
		tweak(&opts)
	}
	h.orch = New(h.store, h.registry, h.devices, h.opener, opts, zap.NewNop())
	return h
}

func waitDone(t *testing.T, o *Orchestrator, within time.Duration) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(within):
		t.Fatalf("session did not finish within %s", within)
	}
}
