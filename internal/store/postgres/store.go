// Package postgres persists recorder data in PostgreSQL through pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gameon/recorder/internal/models"
	"github.com/gameon/recorder/internal/store"
)

// Store handles recorder persistence on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a PostgreSQL store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const sessionColumns = `id, game_name, start_time, end_time, duration_seconds, status, input_type, fps,
	latency_offset_ms, monitor_index, video_width, video_height, video_codec, total_frames,
	video_path, system_audio_path, microphone_audio_path, file_size_bytes, notes, last_heartbeat, archive_key`

func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		sess      models.Session
		inputType string
	)
	err := row.Scan(&sess.ID, &sess.GameName, &sess.StartTime, &sess.EndTime, &sess.DurationSeconds, &sess.Status, &inputType, &sess.FPS,
		&sess.LatencyOffsetMs, &sess.MonitorIndex, &sess.VideoWidth, &sess.VideoHeight, &sess.VideoCodec, &sess.TotalFrames,
		&sess.VideoPath, &sess.SystemAudioPath, &sess.MicrophoneAudioPath, &sess.FileSizeBytes, &sess.Notes, &sess.LastHeartbeat, &sess.ArchiveKey)
	if err != nil {
		return nil, err
	}
	sess.InputType = models.InputType(inputType)
	sess.StartTime = sess.StartTime.UTC()
	if sess.EndTime != nil {
		t := sess.EndTime.UTC()
		sess.EndTime = &t
	}
	if sess.LastHeartbeat != nil {
		t := sess.LastHeartbeat.UTC()
		sess.LastHeartbeat = &t
	}
	return &sess, nil
}

// CreateSession inserts a session in the recording status.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	const q = `INSERT INTO sessions (id, game_name, start_time, status, input_type, fps, latency_offset_ms,
		monitor_index, video_codec, video_path, system_audio_path, microphone_audio_path, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	if sess.Status == "" {
		sess.Status = models.SessionStatusRecording
	}
	_, err := s.pool.Exec(ctx, q, sess.ID, sess.GameName, sess.StartTime, sess.Status, string(sess.InputType),
		sess.FPS, sess.LatencyOffsetMs, sess.MonitorIndex, sess.VideoCodec,
		sess.VideoPath, sess.SystemAudioPath, sess.MicrophoneAudioPath, sess.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// CompleteSession moves a recording session to completed.
func (s *Store) CompleteSession(ctx context.Context, r models.SessionResult) error {
	return s.finish(ctx, models.SessionStatusCompleted, r)
}

// FailSession moves a recording session to failed.
func (s *Store) FailSession(ctx context.Context, r models.SessionResult) error {
	return s.finish(ctx, models.SessionStatusFailed, r)
}

func (s *Store) finish(ctx context.Context, status string, r models.SessionResult) error {
	const q = `UPDATE sessions SET status = $1, end_time = $2, duration_seconds = $3, video_width = $4, video_height = $5,
		total_frames = $6, video_path = $7, system_audio_path = $8, microphone_audio_path = $9, file_size_bytes = $10, notes = $11
		WHERE id = $12 AND status = $13`
	tag, err := s.pool.Exec(ctx, q, status, r.EndTime, r.DurationSeconds, r.VideoWidth, r.VideoHeight,
		r.TotalFrames, r.VideoPath, r.SystemAudioPath, r.MicrophoneAudioPath, r.FileSizeBytes, r.Notes,
		r.ID, models.SessionStatusRecording)
	if err != nil {
		return fmt.Errorf("update session %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotRecording
	}
	return nil
}

// Heartbeat stamps last_heartbeat on a recording session.
func (s *Store) Heartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `UPDATE sessions SET last_heartbeat = $1 WHERE id = $2 AND status = $3`
	_, err := s.pool.Exec(ctx, q, at, id, models.SessionStatusRecording)
	return err
}

// ListOrphaned returns recording sessions whose last sign of life is older than before.
func (s *Store) ListOrphaned(ctx context.Context, before time.Time) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = $1 AND COALESCE(last_heartbeat, start_time) < $2 ORDER BY start_time`
	return s.querySessions(ctx, q, models.SessionStatusRecording, before)
}

// GetSession returns a session by id, or nil when it does not exist.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	sess, err := scanSession(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, f models.SessionFilter) ([]models.Session, error) {
	var (
		where []string
		args  []any
	)
	if f.GameName != "" {
		args = append(args, f.GameName)
		where = append(where, "game_name = $"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	args = append(args, limit)
	q += ` ORDER BY start_time DESC LIMIT $` + strconv.Itoa(len(args))
	return s.querySessions(ctx, q, args...)
}

func (s *Store) querySessions(ctx context.Context, q string, args ...any) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *sess)
	}
	return list, rows.Err()
}

// SetArchiveKey records where the session artifacts were archived.
func (s *Store) SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error {
	const q = `UPDATE sessions SET archive_key = $1 WHERE id = $2`
	_, err := s.pool.Exec(ctx, q, key, id)
	return err
}

// WriteBatch copies events and frame timestamps and inserts health rows in one transaction.
func (s *Store) WriteBatch(ctx context.Context, b models.Batch) error {
	if b.Empty() {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(b.Events) > 0 {
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"input_events"},
			[]string{"session_id", "timestamp_ms", "input_device", "button_key", "action", "value", "x_position", "y_position", "action_code"},
			pgx.CopyFromSlice(len(b.Events), func(i int) ([]any, error) {
				e := b.Events[i]
				return []any{e.SessionID, e.TimestampMs, string(e.InputDevice), e.ButtonKey, string(e.Action),
					e.Value, e.XPosition, e.YPosition, e.ActionCode}, nil
			}))
		if err != nil {
			return fmt.Errorf("copy input events: %w", err)
		}
	}

	if len(b.Frames) > 0 {
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"frame_timestamps"},
			[]string{"session_id", "frame_number", "capture_timestamp_ms", "write_timestamp_ms", "dropped"},
			pgx.CopyFromSlice(len(b.Frames), func(i int) ([]any, error) {
				f := b.Frames[i]
				return []any{f.SessionID, f.FrameNumber, f.CaptureTimestampMs, f.WriteTimestampMs, f.Dropped}, nil
			}))
		if err != nil {
			return fmt.Errorf("copy frame timestamps: %w", err)
		}
	}

	if len(b.Health) > 0 {
		batch := &pgx.Batch{}
		for _, h := range b.Health {
			batch.Queue(`INSERT INTO session_health
				(session_id, check_time, disk_space_gb, cpu_percent, memory_mb, frames_captured, frames_dropped, note)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				h.SessionID, h.CheckTime, h.DiskSpaceGB, h.CPUPercent, h.MemoryMB, h.FramesCaptured, h.FramesDropped, h.Note)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert session health: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// InputEvents returns a session's events ordered by timestamp, with inclusive optional bounds.
func (s *Store) InputEvents(ctx context.Context, sessionID uuid.UUID, fromMs, toMs *int64) ([]models.InputEvent, error) {
	const q = `SELECT id, session_id, timestamp_ms, input_device, button_key, action, value, x_position, y_position, action_code
		FROM input_events
		WHERE session_id = $1 AND ($2::BIGINT IS NULL OR timestamp_ms >= $2) AND ($3::BIGINT IS NULL OR timestamp_ms <= $3)
		ORDER BY timestamp_ms, id`
	rows, err := s.pool.Query(ctx, q, sessionID, fromMs, toMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.InputEvent
	for rows.Next() {
		var (
			e              models.InputEvent
			device, action string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TimestampMs, &device, &e.ButtonKey, &action,
			&e.Value, &e.XPosition, &e.YPosition, &e.ActionCode); err != nil {
			return nil, err
		}
		e.InputDevice = models.InputDevice(device)
		e.Action = models.InputAction(action)
		list = append(list, e)
	}
	return list, rows.Err()
}

// FrameTimestamps returns a session's frame records ordered by frame number.
func (s *Store) FrameTimestamps(ctx context.Context, sessionID uuid.UUID) ([]models.FrameTimestamp, error) {
	const q = `SELECT id, session_id, frame_number, capture_timestamp_ms, write_timestamp_ms, dropped
		FROM frame_timestamps WHERE session_id = $1 ORDER BY frame_number, id`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.FrameTimestamp
	for rows.Next() {
		var f models.FrameTimestamp
		if err := rows.Scan(&f.ID, &f.SessionID, &f.FrameNumber, &f.CaptureTimestampMs, &f.WriteTimestampMs, &f.Dropped); err != nil {
			return nil, err
		}
		list = append(list, f)
	}
	return list, rows.Err()
}

// HealthChecks returns a session's health snapshots in time order.
func (s *Store) HealthChecks(ctx context.Context, sessionID uuid.UUID) ([]models.SessionHealth, error) {
	const q = `SELECT id, session_id, check_time, disk_space_gb, cpu_percent, memory_mb, frames_captured, frames_dropped, note
		FROM session_health WHERE session_id = $1 ORDER BY check_time, id`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.SessionHealth
	for rows.Next() {
		var h models.SessionHealth
		if err := rows.Scan(&h.ID, &h.SessionID, &h.CheckTime, &h.DiskSpaceGB, &h.CPUPercent, &h.MemoryMB,
			&h.FramesCaptured, &h.FramesDropped, &h.Note); err != nil {
			return nil, err
		}
		h.CheckTime = h.CheckTime.UTC()
		list = append(list, h)
	}
	return list, rows.Err()
}

const actionCodeColumns = `id, input_device, raw_input, encoded_value, description, category`

func scanActionCode(row pgx.Row) (*models.ActionCode, error) {
	var (
		ac     models.ActionCode
		device string
	)
	if err := row.Scan(&ac.ID, &device, &ac.RawInput, &ac.EncodedValue, &ac.Description, &ac.Category); err != nil {
		return nil, err
	}
	ac.InputDevice = models.InputDevice(device)
	return &ac, nil
}

// ActionCode returns the code for (device, raw), or nil when none exists.
func (s *Store) ActionCode(ctx context.Context, device models.InputDevice, raw string) (*models.ActionCode, error) {
	q := `SELECT ` + actionCodeColumns + ` FROM action_codes WHERE input_device = $1 AND raw_input = $2`
	ac, err := scanActionCode(s.pool.QueryRow(ctx, q, string(device), raw))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ac, nil
}

// CreateActionCode allocates the next encoded value for device, or returns the
// row a concurrent writer stored first.
func (s *Store) CreateActionCode(ctx context.Context, device models.InputDevice, raw, description, category string) (*models.ActionCode, error) {
	const ins = `INSERT INTO action_codes (input_device, raw_input, encoded_value, description, category)
		SELECT $1, $2, COALESCE(MAX(encoded_value) + 1, 0), $3, $4 FROM action_codes WHERE input_device = $1
		ON CONFLICT DO NOTHING`
	for attempt := 0; attempt < store.MaxActionCodeAttempts; attempt++ {
		if _, err := s.pool.Exec(ctx, ins, string(device), raw, description, category); err != nil {
			return nil, fmt.Errorf("insert action code: %w", err)
		}
		ac, err := s.ActionCode(ctx, device, raw)
		if err != nil {
			return nil, err
		}
		if ac != nil {
			return ac, nil
		}
	}
	return nil, fmt.Errorf("%s:%s: %w", device, raw, store.ErrActionCodeConflict)
}

// ListActionCodes returns codes ordered by device then encoded value. An empty device lists all.
func (s *Store) ListActionCodes(ctx context.Context, device models.InputDevice) ([]models.ActionCode, error) {
	const q = `SELECT ` + actionCodeColumns + ` FROM action_codes
		WHERE $1 = '' OR input_device = $1 ORDER BY input_device, encoded_value`
	rows, err := s.pool.Query(ctx, q, string(device))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ActionCode
	for rows.Next() {
		ac, err := scanActionCode(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *ac)
	}
	return list, rows.Err()
}

// Stats aggregates counts across all sessions.
func (s *Store) Stats(ctx context.Context) (*models.SessionStats, error) {
	const q = `SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE status = 'completed'),
		COUNT(*) FILTER (WHERE status = 'failed'),
		COUNT(DISTINCT game_name),
		COALESCE(SUM(duration_seconds), 0)::BIGINT,
		COALESCE(SUM(total_frames), 0)::BIGINT,
		COALESCE(SUM(file_size_bytes), 0)::BIGINT,
		(SELECT COUNT(*) FROM input_events)
		FROM sessions`
	var st models.SessionStats
	if err := s.pool.QueryRow(ctx, q).Scan(&st.TotalSessions, &st.CompletedSessions, &st.FailedSessions,
		&st.UniqueGames, &st.TotalDurationSeconds, &st.TotalFrames, &st.TotalStorageBytes, &st.TotalInputEvents); err != nil {
		return nil, err
	}
	return &st, nil
}
