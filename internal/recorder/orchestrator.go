// Package recorder is the session-recording engine: it runs the frame, audio
// and input producers of one session together, persists what they produce and
// owns every status transition of the session row.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gameon/recorder/internal/capture"
	"github.com/gameon/recorder/internal/encoder"
	"github.com/gameon/recorder/internal/metrics"
	"github.com/gameon/recorder/internal/models"
	"github.com/gameon/recorder/internal/store"
)

// OrphanReason is stored on sessions recovered at startup.
const OrphanReason = "orphaned: process exited while recording"

// finalizeTimeout bounds the final flush and the terminal row update.
const finalizeTimeout = 30 * time.Second

// State is the orchestrator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Orchestrator records one session at a time.
type Orchestrator struct {
	store    Store
	resolver Resolver
	devices  capture.Devices
	encoders encoder.Opener
	opts     Options
	logger   *zap.Logger

	mu         sync.Mutex
	state      State
	active     *session
	last       *session
	onFinished func(models.Session)
}

// session is the runtime of one recording.
type session struct {
	row    models.Session
	layout sessionLayout
	clock  clock
	stats  *counters

	cancel  context.CancelFunc
	group   *errgroup.Group
	gctx    context.Context
	batcher *Batcher
	sink    *encoderSink
	audio   []*audioProducer
	health  *healthMonitor
	done    chan struct{}

	notesMu sync.Mutex
	notes   []string

	final    *models.Session
	finalErr error
}

func (s *session) addNote(n string) {
	s.notesMu.Lock()
	s.notes = append(s.notes, n)
	s.notesMu.Unlock()
}

func (s *session) joinedNotes() *string {
	s.notesMu.Lock()
	defer s.notesMu.Unlock()
	return models.StringPtr(strings.Join(s.notes, "; "))
}

// New creates an orchestrator.
func New(st Store, resolver Resolver, devices capture.Devices, encoders encoder.Opener, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:    st,
		resolver: resolver,
		devices:  devices,
		encoders: encoders,
		opts:     opts.withDefaults(),
		logger:   logger,
	}
}

// OnFinished registers fn to receive every session that reaches a terminal
// state. It runs on the supervising goroutine.
func (o *Orchestrator) OnFinished(fn func(models.Session)) {
	o.mu.Lock()
	o.onFinished = fn
	o.mu.Unlock()
}

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Current returns a snapshot of the active session, or nil.
func (o *Orchestrator) Current() *models.Session {
	o.mu.Lock()
	s := o.active
	o.mu.Unlock()
	if s == nil {
		return nil
	}
	row := s.row
	row.TotalFrames = s.stats.written.Load()
	return &row
}

// Done is closed when the active (or most recent) session reaches a terminal
// state. With no session it is already closed.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.active != nil:
		return o.active.done
	case o.last != nil:
		return o.last.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Last returns the terminal row of the most recent finished session, or nil.
func (o *Orchestrator) Last() (*models.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil || o.last.final == nil {
		return nil, nil
	}
	row := *o.last.final
	return &row, o.last.finalErr
}

// Start creates the session row, opens every stream and launches the workers.
// Any failure before the workers run marks the row failed and is returned.
func (o *Orchestrator) Start(ctx context.Context, cfg SessionConfig) (*models.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	if o.active != nil || o.state == StateRecording || o.state == StateStopping {
		o.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	o.state = StateRecording
	o.mu.Unlock()

	s, err := o.start(ctx, cfg)
	if err != nil {
		o.mu.Lock()
		o.state = StateFailed
		o.mu.Unlock()
		return nil, err
	}

	o.mu.Lock()
	o.active = s
	o.mu.Unlock()
	metrics.SessionsStarted.Inc()
	metrics.Recording.Set(1)
	go o.supervise(s)

	row := s.row
	return &row, nil
}

func (o *Orchestrator) start(ctx context.Context, cfg SessionConfig) (*session, error) {
	startedAt := o.opts.Now().UTC().Truncate(time.Microsecond)
	layout, err := createSessionDir(o.opts.SessionsDir, cfg.GameName, startedAt, cfg.VideoCodec)
	if err != nil {
		return nil, err
	}

	s := &session{
		layout: layout,
		clock:  clock{start: startedAt, now: o.opts.Now},
		stats:  &counters{},
		done:   make(chan struct{}),
		row: models.Session{
			ID:              uuid.New(),
			GameName:        cfg.GameName,
			StartTime:       startedAt,
			Status:          models.SessionStatusRecording,
			InputType:       cfg.InputType,
			FPS:             cfg.FPS,
			LatencyOffsetMs: cfg.LatencyOffsetMs,
			MonitorIndex:    cfg.MonitorIndex,
			VideoCodec:      cfg.VideoCodec,
			VideoPath:       models.StringPtr(layout.Video),
			LastHeartbeat:   &startedAt,
		},
	}
	if cfg.SystemAudio {
		s.row.SystemAudioPath = models.StringPtr(layout.SystemAudio)
	}
	if cfg.Microphone {
		s.row.MicrophoneAudioPath = models.StringPtr(layout.Microphone)
	}
	log := o.logger.With(zap.String("session_id", s.row.ID.String()), zap.String("game", cfg.GameName))

	if err := o.store.CreateSession(ctx, &s.row); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	var cleanup []func()
	failStart := func(cause error) error {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		end := o.endTime(startedAt)
		res := models.SessionResult{
			ID:              s.row.ID,
			EndTime:         end,
			DurationSeconds: durationSeconds(startedAt, end),
			VideoPath:       s.row.VideoPath,
			Notes:           models.StringPtr(cause.Error()),
		}
		if err := o.store.FailSession(context.WithoutCancel(ctx), res); err != nil {
			log.Error("Mark session failed", zap.Error(err))
		}
		metrics.SessionsFinished.WithLabelValues("failed").Inc()
		log.Error("Session failed to start", zap.Error(cause))
		return cause
	}

	// the first frame validates capture and gives the dimensions
	src, err := o.devices.OpenVideo(ctx, capture.VideoRequest{Monitor: cfg.MonitorIndex, FPS: cfg.FPS})
	if err != nil {
		return nil, failStart(fatal(StreamVideo, err))
	}
	cleanup = append(cleanup, func() { _ = src.Close() })
	first, err := src.NextFrame(ctx)
	if err != nil {
		return nil, failStart(fatal(StreamVideo, fmt.Errorf("first frame: %w", err)))
	}
	s.row.VideoWidth, s.row.VideoHeight = first.Width, first.Height

	enc, err := o.encoders.Open(encoder.Output{
		Path:   layout.Video,
		Width:  first.Width,
		Height: first.Height,
		FPS:    cfg.FPS,
		Codec:  cfg.VideoCodec,
	})
	if err != nil {
		return nil, failStart(fatal(StreamEncoder, err))
	}
	cleanup = append(cleanup, func() { _, _ = enc.Close() })

	s.batcher = NewBatcher(o.store, o.resolver, o.opts.BatchSize, o.opts.FlushInterval, log)
	s.health = &healthMonitor{
		sessionID: s.row.ID,
		dir:       layout.Dir,
		interval:  o.opts.HealthInterval,
		store:     o.store,
		batcher:   s.batcher,
		stats:     s.stats,
		now:       o.opts.Now,
		logger:    log,
	}
	s.batcher.SetLimit(o.opts.MaxPendingRows, func(d DroppedRows) {
		s.health.note(fmt.Sprintf("persistence backlog full: dropped %d frame, %d health and %d event rows so far",
			d.Frames, d.Health, d.Events))
	})
	onDegraded := func(stream string, err error) {
		note := fmt.Sprintf("%s degraded: %v", stream, err)
		s.addNote(note)
		s.health.note(note)
	}

	for _, want := range []struct {
		enabled bool
		kind    capture.AudioKind
		stream  string
		path    *string
	}{
		{cfg.SystemAudio, capture.AudioSystem, StreamSystem, s.row.SystemAudioPath},
		{cfg.Microphone, capture.AudioMicrophone, StreamMicrophone, s.row.MicrophoneAudioPath},
	} {
		if !want.enabled {
			continue
		}
		asrc, err := o.devices.OpenAudio(ctx, want.kind)
		if err != nil {
			if errors.Is(err, capture.ErrUnavailable) {
				log.Info("Audio source unavailable, recording without it", zap.String("stream", want.stream))
			} else {
				onDegraded(want.stream, err)
			}
			continue
		}
		ap, err := openAudioProducer(want.stream, asrc, *want.path)
		if err != nil {
			_ = asrc.Close()
			onDegraded(want.stream, err)
			continue
		}
		ap.clock, ap.maxLeadPad, ap.onDegraded, ap.logger = s.clock, o.opts.MaxLeadPad, onDegraded, log
		s.audio = append(s.audio, ap)
		cleanup = append(cleanup, ap.finish)
	}

	listener, err := o.devices.OpenInput(ctx, cfg.InputType)
	if err != nil {
		return nil, failStart(&StreamError{Stream: StreamInput, Kind: KindFatal, Err: err})
	}

	// launch
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel, s.group, s.gctx = cancel, g, gctx
	s.batcher.Start(context.WithoutCancel(ctx))

	frames := make(chan queuedFrame, o.opts.queueCapacity(cfg.FPS))
	producer := &frameProducer{
		sessionID:      s.row.ID,
		src:            src,
		first:          &first,
		out:            frames,
		fps:            cfg.FPS,
		enqueueTimeout: o.opts.EnqueueTimeout,
		clock:          s.clock,
		batcher:        s.batcher,
		stats:          s.stats,
		logger:         log,
	}
	s.sink = &encoderSink{
		sessionID: s.row.ID,
		enc:       enc,
		in:        frames,
		clock:     s.clock,
		batcher:   s.batcher,
		stats:     s.stats,
		logger:    log,
	}
	collector := newInputCollector(s.row.ID, listener, s.clock, cfg.LatencyOffsetMs, o.opts, s.batcher, s.health.note, log)

	g.Go(func() error { return producer.run(gctx) })
	g.Go(s.sink.run)
	for _, ap := range s.audio {
		ap := ap
		g.Go(func() error { return ap.run(gctx) })
	}
	g.Go(func() error { return collector.run(gctx) })
	g.Go(func() error { return s.health.run(gctx) })

	log.Info("Session recording started",
		zap.Int("fps", cfg.FPS),
		zap.Int("width", s.row.VideoWidth),
		zap.Int("height", s.row.VideoHeight),
		zap.String("codec", cfg.VideoCodec),
		zap.Int("audio_streams", len(s.audio)),
		zap.String("dir", layout.Dir))
	return s, nil
}

// Stop signals the active session to stop and waits for its terminal row.
func (o *Orchestrator) Stop(ctx context.Context) (*models.Session, error) {
	o.mu.Lock()
	s := o.active
	o.mu.Unlock()
	if s == nil {
		return nil, ErrNotRecording
	}
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	row := *s.final
	return &row, s.finalErr
}

// supervise waits for a stop request or a fatal worker error, then drains and
// writes the terminal row. Workers that outlive StopGrace keep the
// orchestrator in StateStopping until they return.
func (o *Orchestrator) supervise(s *session) {
	<-s.gctx.Done()
	o.mu.Lock()
	o.state = StateStopping
	o.mu.Unlock()
	log := o.logger.With(zap.String("session_id", s.row.ID.String()))

	waitCh := make(chan error, 1)
	go func() { waitCh <- s.group.Wait() }()
	var workErr error
	exited := true
	select {
	case workErr = <-waitCh:
	case <-time.After(o.opts.StopGrace):
		exited = false
		workErr = ErrStopTimeout
		log.Error("Workers did not stop in time", zap.Duration("grace", o.opts.StopGrace))
	}
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	flushErr := s.batcher.Close(ctx)

	end := o.endTime(s.row.StartTime)
	res := models.SessionResult{
		ID:              s.row.ID,
		EndTime:         end,
		DurationSeconds: durationSeconds(s.row.StartTime, end),
		VideoWidth:      s.row.VideoWidth,
		VideoHeight:     s.row.VideoHeight,
		TotalFrames:     s.stats.written.Load(),
		VideoPath:       s.row.VideoPath,
	}
	if exited && s.sink.result.Frames > 0 {
		res.TotalFrames = s.sink.result.Frames
	}
	res.FileSizeBytes = fileSize(s.layout.Video)
	audioPaths := map[string]*string{}
	for _, ap := range s.audio {
		degraded, _ := ap.outcome()
		if degraded {
			continue
		}
		p := ap.path
		audioPaths[ap.stream] = &p
		res.FileSizeBytes += fileSize(p)
	}
	res.SystemAudioPath = audioPaths[StreamSystem]
	res.MicrophoneAudioPath = audioPaths[StreamMicrophone]

	var cause error
	switch {
	case workErr != nil:
		cause = workErr
	case flushErr != nil:
		cause = fatal(StreamPersist, flushErr)
	}

	status := models.SessionStatusCompleted
	var storeErr error
	if cause != nil {
		status = models.SessionStatusFailed
		s.addNote(cause.Error())
		res.Notes = s.joinedNotes()
		storeErr = o.store.FailSession(ctx, res)
	} else {
		res.Notes = s.joinedNotes()
		storeErr = o.store.CompleteSession(ctx, res)
	}
	if storeErr != nil && !errors.Is(storeErr, store.ErrSessionNotRecording) {
		log.Error("Write terminal session row", zap.String("status", status), zap.Error(storeErr))
		if cause == nil {
			cause = storeErr
		}
	}

	final := s.row
	final.Status = status
	final.EndTime = &res.EndTime
	final.DurationSeconds = &res.DurationSeconds
	final.TotalFrames = res.TotalFrames
	final.SystemAudioPath = res.SystemAudioPath
	final.MicrophoneAudioPath = res.MicrophoneAudioPath
	final.FileSizeBytes = res.FileSizeBytes
	final.Notes = res.Notes
	s.final = &final
	s.finalErr = cause

	if cause != nil {
		log.Error("Session failed", zap.Error(cause), zap.Int64("frames", res.TotalFrames))
		metrics.SessionsFinished.WithLabelValues("failed").Inc()
	} else {
		log.Info("Session completed",
			zap.Int64("duration_seconds", res.DurationSeconds),
			zap.Int64("frames", res.TotalFrames),
			zap.Int64("frames_dropped", s.stats.dropped.Load()),
			zap.Int64("bytes", res.FileSizeBytes))
		metrics.SessionsFinished.WithLabelValues("completed").Inc()
	}
	metrics.Recording.Set(0)

	o.mu.Lock()
	if exited {
		if cause != nil {
			o.state = StateFailed
		} else {
			o.state = StateCompleted
		}
		o.active = nil
	}
	o.last = s
	hook := o.onFinished
	o.mu.Unlock()

	if hook != nil {
		hook(final)
	}
	close(s.done)

	if !exited {
		<-waitCh
		o.mu.Lock()
		o.state = StateFailed
		o.active = nil
		o.mu.Unlock()
		log.Warn("Stuck workers exited", zap.Int("rows_discarded", s.batcher.Late()))
	}
}

// RecoverOrphans fails recording rows left behind by a previous process and
// returns how many rows it resolved. While this orchestrator is idle every
// recording row that predates the call is orphaned, however recent its
// heartbeat. While it owns a session only rows whose heartbeat is older than
// the orphan grace are touched, and never the active one.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) (int, error) {
	o.mu.Lock()
	var activeID uuid.UUID
	busy := o.active != nil || o.state == StateRecording || o.state == StateStopping
	if o.active != nil {
		activeID = o.active.row.ID
	}
	o.mu.Unlock()

	// rows store microseconds; a session started after now cannot sort below it
	cutoff := o.opts.Now().UTC().Truncate(time.Microsecond)
	if busy {
		cutoff = cutoff.Add(-o.opts.OrphanGrace)
	}
	orphans, err := o.store.ListOrphaned(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list orphaned sessions: %w", err)
	}

	recovered := 0
	for _, sess := range orphans {
		if sess.ID == activeID {
			continue
		}
		start := sess.StartTime
		end := start.Add(time.Millisecond)
		if sess.LastHeartbeat != nil && sess.LastHeartbeat.After(start) {
			end = *sess.LastHeartbeat
		}
		res := models.SessionResult{
			ID:                  sess.ID,
			EndTime:             end,
			DurationSeconds:     durationSeconds(start, end),
			VideoWidth:          sess.VideoWidth,
			VideoHeight:         sess.VideoHeight,
			TotalFrames:         sess.TotalFrames,
			VideoPath:           sess.VideoPath,
			SystemAudioPath:     sess.SystemAudioPath,
			MicrophoneAudioPath: sess.MicrophoneAudioPath,
			FileSizeBytes:       sess.FileSizeBytes,
			Notes:               models.StringPtr(OrphanReason),
		}
		if err := o.store.FailSession(ctx, res); err != nil {
			if errors.Is(err, store.ErrSessionNotRecording) {
				continue
			}
			return recovered, fmt.Errorf("fail orphaned session %s: %w", sess.ID, err)
		}
		recovered++
		metrics.SessionsFinished.WithLabelValues("orphaned").Inc()
		o.logger.Warn("Recovered orphaned session",
			zap.String("session_id", sess.ID.String()),
			zap.String("game", sess.GameName),
			zap.Time("start_time", start))
	}
	return recovered, nil
}

// endTime is now, but always strictly after start.
func (o *Orchestrator) endTime(start time.Time) time.Time {
	end := o.opts.Now().UTC().Truncate(time.Microsecond)
	if !end.After(start) {
		end = start.Add(time.Millisecond)
	}
	return end
}

func durationSeconds(start, end time.Time) int64 {
	return int64(math.Round(end.Sub(start).Seconds()))
}
