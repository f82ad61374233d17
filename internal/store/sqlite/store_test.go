package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gameon/recorder/internal/models"
	"github.com/gameon/recorder/internal/store"
	"github.com/gameon/recorder/pkg/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenSQLite(database.SQLiteConfig{Path: filepath.Join(t.TempDir(), "recorder.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.MigrateSQLite(context.Background(), db))
	return New(db)
}

func newSession(game string, start time.Time) *models.Session {
	return &models.Session{
		ID:              uuid.New(),
		GameName:        game,
		StartTime:       start,
		InputType:       models.InputTypeKeyboard,
		FPS:             60,
		LatencyOffsetMs: 10,
		VideoCodec:      "h264",
		VideoPath:       models.StringPtr("/tmp/" + game + "/video.mp4"),
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)

	sess := newSession("celeste", start)
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.SessionStatusRecording, got.Status)
	assert.True(t, start.Equal(got.StartTime))
	assert.Nil(t, got.EndTime)
	assert.Nil(t, got.DurationSeconds)

	end := start.Add(90 * time.Second)
	res := models.SessionResult{
		ID:              sess.ID,
		EndTime:         end,
		DurationSeconds: 90,
		VideoWidth:      1920,
		VideoHeight:     1080,
		TotalFrames:     5400,
		VideoPath:       sess.VideoPath,
		FileSizeBytes:   1 << 20,
	}
	require.NoError(t, s.CompleteSession(ctx, res))

	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
	require.NotNil(t, got.EndTime)
	assert.True(t, end.Equal(*got.EndTime))
	require.NotNil(t, got.DurationSeconds)
	assert.EqualValues(t, 90, *got.DurationSeconds)
	assert.Equal(t, 1920, got.VideoWidth)
	assert.EqualValues(t, 5400, got.TotalFrames)
	assert.Nil(t, got.SystemAudioPath)

	// terminal transitions happen once
	err = s.FailSession(ctx, models.SessionResult{ID: sess.ID, EndTime: end, Notes: models.StringPtr("late")})
	assert.ErrorIs(t, err, store.ErrSessionNotRecording)
}

func TestGetSession_Missing(t *testing.T) {
	got, err := newTestStore(t).GetSession(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListOrphaned(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	stale := newSession("stale", now.Add(-time.Hour))
	require.NoError(t, s.CreateSession(ctx, stale))

	alive := newSession("alive", now.Add(-time.Hour))
	require.NoError(t, s.CreateSession(ctx, alive))
	require.NoError(t, s.Heartbeat(ctx, alive.ID, now.Add(-5*time.Second)))

	done := newSession("done", now.Add(-time.Hour))
	require.NoError(t, s.CreateSession(ctx, done))
	require.NoError(t, s.CompleteSession(ctx, models.SessionResult{ID: done.ID, EndTime: now.Add(-50 * time.Minute), DurationSeconds: 600}))

	orphans, err := s.ListOrphaned(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, stale.ID, orphans[0].ID)
}

func TestWriteBatchAndEventRange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := newSession("hades", time.Now().UTC())
	require.NoError(t, s.CreateSession(ctx, sess))

	ac, err := s.CreateActionCode(ctx, models.DeviceKeyboard, "w", "key w", "movement")
	require.NoError(t, err)

	x, y := 10.0, 20.0
	events := []models.InputEvent{
		{SessionID: sess.ID, TimestampMs: 100, InputDevice: models.DeviceKeyboard, ButtonKey: "w", Action: models.ActionPress, ActionCode: &ac.ID},
		{SessionID: sess.ID, TimestampMs: 250, InputDevice: models.DeviceMouse, ButtonKey: "move", Action: models.ActionMove, XPosition: &x, YPosition: &y},
		{SessionID: sess.ID, TimestampMs: 400, InputDevice: models.DeviceKeyboard, ButtonKey: "w", Action: models.ActionRelease, ActionCode: &ac.ID},
	}
	written := int64(105)
	frames := []models.FrameTimestamp{
		{SessionID: sess.ID, FrameNumber: 0, CaptureTimestampMs: 100, WriteTimestampMs: &written},
		{SessionID: sess.ID, FrameNumber: 1, CaptureTimestampMs: 117, Dropped: true},
	}
	health := []models.SessionHealth{
		{SessionID: sess.ID, CheckTime: time.Now().UTC(), DiskSpaceGB: 120.5, FramesCaptured: 2, FramesDropped: 1, Note: models.StringPtr("queue full")},
	}
	require.NoError(t, s.WriteBatch(ctx, models.Batch{Events: events, Frames: frames, Health: health}))

	all, err := s.InputEvents(ctx, sess.ID, nil, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, models.ActionPress, all[0].Action)
	require.NotNil(t, all[0].ActionCode)
	assert.Equal(t, ac.ID, *all[0].ActionCode)
	require.NotNil(t, all[1].XPosition)
	assert.Equal(t, 10.0, *all[1].XPosition)
	assert.Nil(t, all[1].ActionCode)

	from, to := int64(100), int64(250)
	ranged, err := s.InputEvents(ctx, sess.ID, &from, &to)
	require.NoError(t, err)
	assert.Len(t, ranged, 2)

	gotFrames, err := s.FrameTimestamps(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, gotFrames, 2)
	assert.False(t, gotFrames[0].Dropped)
	require.NotNil(t, gotFrames[0].WriteTimestampMs)
	assert.EqualValues(t, 105, *gotFrames[0].WriteTimestampMs)
	assert.True(t, gotFrames[1].Dropped)
	assert.Nil(t, gotFrames[1].WriteTimestampMs)

	checks, err := s.HealthChecks(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	require.NotNil(t, checks[0].Note)
	assert.Equal(t, "queue full", *checks[0].Note)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalSessions)
	assert.EqualValues(t, 3, stats.TotalInputEvents)
}

func TestWriteBatch_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := newSession("tetris", time.Now().UTC())
	require.NoError(t, s.CreateSession(ctx, sess))

	bogus := int64(999999)
	err := s.WriteBatch(ctx, models.Batch{
		Events: []models.InputEvent{
			{SessionID: sess.ID, TimestampMs: 1, InputDevice: models.DeviceKeyboard, ButtonKey: "a", Action: models.ActionPress},
			{SessionID: sess.ID, TimestampMs: 2, InputDevice: models.DeviceKeyboard, ButtonKey: "b", Action: models.ActionPress, ActionCode: &bogus},
		},
	})
	require.Error(t, err)

	all, err := s.InputEvents(ctx, sess.ID, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateActionCode_PerDeviceSequence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	w, err := s.CreateActionCode(ctx, models.DeviceKeyboard, "w", "", "")
	require.NoError(t, err)
	a, err := s.CreateActionCode(ctx, models.DeviceKeyboard, "a", "", "")
	require.NoError(t, err)
	left, err := s.CreateActionCode(ctx, models.DeviceMouse, "left", "", "")
	require.NoError(t, err)
	again, err := s.CreateActionCode(ctx, models.DeviceKeyboard, "w", "", "")
	require.NoError(t, err)

	assert.Equal(t, 0, w.EncodedValue)
	assert.Equal(t, 1, a.EncodedValue)
	assert.Equal(t, 0, left.EncodedValue)
	assert.Equal(t, w.ID, again.ID)

	codes, err := s.ListActionCodes(ctx, models.DeviceKeyboard)
	require.NoError(t, err)
	assert.Len(t, codes, 2)
	all, err := s.ListActionCodes(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCreateActionCode_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const workers = 8
	var wg sync.WaitGroup
	ids := make([]int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ac, err := s.CreateActionCode(ctx, models.DeviceXbox, "A", "", "")
			if assert.NoError(t, err) {
				ids[i] = ac.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	for i := 0; i < 5; i++ {
		_, err := s.CreateActionCode(ctx, models.DeviceXbox, fmt.Sprintf("btn%d", i), "", "")
		require.NoError(t, err)
	}
	codes, err := s.ListActionCodes(ctx, models.DeviceXbox)
	require.NoError(t, err)
	require.Len(t, codes, 6)
	for i, c := range codes {
		assert.Equal(t, i, c.EncodedValue)
	}
}

func TestListSessions_Filter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, game := range []string{"doom", "doom", "quake"} {
		require.NoError(t, s.CreateSession(ctx, newSession(game, base.Add(time.Duration(i)*time.Hour))))
	}

	doom, err := s.ListSessions(ctx, models.SessionFilter{GameName: "doom"})
	require.NoError(t, err)
	require.Len(t, doom, 2)
	assert.True(t, doom[0].StartTime.After(doom[1].StartTime))

	one, err := s.ListSessions(ctx, models.SessionFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "quake", one[0].GameName)

	none, err := s.ListSessions(ctx, models.SessionFilter{Status: models.SessionStatusFailed})
	require.NoError(t, err)
	assert.Empty(t, none)
}
