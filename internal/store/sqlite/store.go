// Package sqlite persists sessions, input events, action codes, frame timestamps
// and health snapshots in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gameon/recorder/internal/models"
	"github.com/gameon/recorder/internal/store"
)

// Store implements the recorder store on database/sql with the modernc driver.
type Store struct {
	db *sql.DB
}

// New wraps an opened and migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

const sessionColumns = `id, game_name, start_time, end_time, duration_seconds, status, input_type, fps,
	latency_offset_ms, monitor_index, video_width, video_height, video_codec, total_frames,
	video_path, system_audio_path, microphone_audio_path, file_size_bytes, notes, last_heartbeat, archive_key`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		sess      models.Session
		id        string
		start     int64
		end, hb   sql.NullInt64
		duration  sql.NullInt64
		inputType string
	)
	err := row.Scan(&id, &sess.GameName, &start, &end, &duration, &sess.Status, &inputType, &sess.FPS,
		&sess.LatencyOffsetMs, &sess.MonitorIndex, &sess.VideoWidth, &sess.VideoHeight, &sess.VideoCodec, &sess.TotalFrames,
		&sess.VideoPath, &sess.SystemAudioPath, &sess.MicrophoneAudioPath, &sess.FileSizeBytes, &sess.Notes, &hb, &sess.ArchiveKey)
	if err != nil {
		return nil, err
	}
	if sess.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("session id %q: %w", id, err)
	}
	sess.InputType = models.InputType(inputType)
	sess.StartTime = fromMicros(start)
	if end.Valid {
		t := fromMicros(end.Int64)
		sess.EndTime = &t
	}
	if duration.Valid {
		d := duration.Int64
		sess.DurationSeconds = &d
	}
	if hb.Valid {
		t := fromMicros(hb.Int64)
		sess.LastHeartbeat = &t
	}
	return &sess, nil
}

// CreateSession inserts a session in the recording status.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	const q = `INSERT INTO sessions (id, game_name, start_time, status, input_type, fps, latency_offset_ms,
		monitor_index, video_codec, video_path, system_audio_path, microphone_audio_path, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if sess.Status == "" {
		sess.Status = models.SessionStatusRecording
	}
	_, err := s.db.ExecContext(ctx, q, sess.ID.String(), sess.GameName, micros(sess.StartTime), sess.Status,
		string(sess.InputType), sess.FPS, sess.LatencyOffsetMs, sess.MonitorIndex, sess.VideoCodec,
		sess.VideoPath, sess.SystemAudioPath, sess.MicrophoneAudioPath, nullMicros(sess.LastHeartbeat))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// CompleteSession moves a recording session to completed with its final metadata.
func (s *Store) CompleteSession(ctx context.Context, r models.SessionResult) error {
	return s.finish(ctx, models.SessionStatusCompleted, r)
}

// FailSession moves a recording session to failed. r.Notes should carry the reason.
func (s *Store) FailSession(ctx context.Context, r models.SessionResult) error {
	return s.finish(ctx, models.SessionStatusFailed, r)
}

func (s *Store) finish(ctx context.Context, status string, r models.SessionResult) error {
	const q = `UPDATE sessions SET status = ?, end_time = ?, duration_seconds = ?, video_width = ?, video_height = ?,
		total_frames = ?, video_path = ?, system_audio_path = ?, microphone_audio_path = ?, file_size_bytes = ?, notes = ?
		WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, q, status, micros(r.EndTime), r.DurationSeconds, r.VideoWidth, r.VideoHeight,
		r.TotalFrames, r.VideoPath, r.SystemAudioPath, r.MicrophoneAudioPath, r.FileSizeBytes, r.Notes,
		r.ID.String(), models.SessionStatusRecording)
	if err != nil {
		return fmt.Errorf("update session %s: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrSessionNotRecording
	}
	return nil
}

// Heartbeat stamps last_heartbeat on a recording session.
func (s *Store) Heartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `UPDATE sessions SET last_heartbeat = ? WHERE id = ? AND status = ?`
	_, err := s.db.ExecContext(ctx, q, micros(at), id.String(), models.SessionStatusRecording)
	return err
}

// ListOrphaned returns recording sessions whose last sign of life is older than before.
func (s *Store) ListOrphaned(ctx context.Context, before time.Time) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = ? AND COALESCE(last_heartbeat, start_time) < ? ORDER BY start_time`
	return s.querySessions(ctx, q, models.SessionStatusRecording, micros(before))
}

// GetSession returns a session by id, or nil when it does not exist.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	sess, err := scanSession(s.db.QueryRowContext(ctx, q, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
		where = append(where, "game_name = ?")
		args = append(args, f.GameName)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	q += ` ORDER BY start_time DESC LIMIT ?`
	args = append(args, limit)
	return s.querySessions(ctx, q, args...)
}

func (s *Store) querySessions(ctx context.Context, q string, args ...any) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
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
	const q = `UPDATE sessions SET archive_key = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, q, key, id.String())
	return err
}

// WriteBatch inserts events, frame timestamps and health rows in one transaction.
func (s *Store) WriteBatch(ctx context.Context, b models.Batch) error {
	if b.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(b.Events) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO input_events
			(session_id, timestamp_ms, input_device, button_key, action, value, x_position, y_position, action_code)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare input events: %w", err)
		}
		for _, e := range b.Events {
			if _, err := stmt.ExecContext(ctx, e.SessionID.String(), e.TimestampMs, string(e.InputDevice), e.ButtonKey,
				string(e.Action), e.Value, e.XPosition, e.YPosition, e.ActionCode); err != nil {
				stmt.Close()
				return fmt.Errorf("insert input event: %w", err)
			}
		}
		stmt.Close()
	}

	if len(b.Frames) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO frame_timestamps
			(session_id, frame_number, capture_timestamp_ms, write_timestamp_ms, dropped) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare frame timestamps: %w", err)
		}
		for _, f := range b.Frames {
			if _, err := stmt.ExecContext(ctx, f.SessionID.String(), f.FrameNumber, f.CaptureTimestampMs,
				f.WriteTimestampMs, f.Dropped); err != nil {
				stmt.Close()
				return fmt.Errorf("insert frame timestamp: %w", err)
			}
		}
		stmt.Close()
	}

	for _, h := range b.Health {
		if _, err := tx.ExecContext(ctx, `INSERT INTO session_health
			(session_id, check_time, disk_space_gb, cpu_percent, memory_mb, frames_captured, frames_dropped, note)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			h.SessionID.String(), micros(h.CheckTime), h.DiskSpaceGB, h.CPUPercent, h.MemoryMB,
			h.FramesCaptured, h.FramesDropped, h.Note); err != nil {
			return fmt.Errorf("insert session health: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// InputEvents returns a session's events ordered by timestamp. fromMs/toMs are
// inclusive bounds; nil means unbounded.
func (s *Store) InputEvents(ctx context.Context, sessionID uuid.UUID, fromMs, toMs *int64) ([]models.InputEvent, error) {
	q := `SELECT id, session_id, timestamp_ms, input_device, button_key, action, value, x_position, y_position, action_code
		FROM input_events WHERE session_id = ?`
	args := []any{sessionID.String()}
	if fromMs != nil {
		q += ` AND timestamp_ms >= ?`
		args = append(args, *fromMs)
	}
	if toMs != nil {
		q += ` AND timestamp_ms <= ?`
		args = append(args, *toMs)
	}
	q += ` ORDER BY timestamp_ms, id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.InputEvent
	for rows.Next() {
		var (
			e              models.InputEvent
			sid            string
			device, action string
		)
		if err := rows.Scan(&e.ID, &sid, &e.TimestampMs, &device, &e.ButtonKey, &action,
			&e.Value, &e.XPosition, &e.YPosition, &e.ActionCode); err != nil {
			return nil, err
		}
		e.SessionID, _ = uuid.Parse(sid)
		e.InputDevice = models.InputDevice(device)
		e.Action = models.InputAction(action)
		list = append(list, e)
	}
	return list, rows.Err()
}

// FrameTimestamps returns a session's frame records ordered by frame number.
func (s *Store) FrameTimestamps(ctx context.Context, sessionID uuid.UUID) ([]models.FrameTimestamp, error) {
	const q = `SELECT id, session_id, frame_number, capture_timestamp_ms, write_timestamp_ms, dropped
		FROM frame_timestamps WHERE session_id = ? ORDER BY frame_number, id`
	rows, err := s.db.QueryContext(ctx, q, sessionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.FrameTimestamp
	for rows.Next() {
		var (
			f   models.FrameTimestamp
			sid string
		)
		if err := rows.Scan(&f.ID, &sid, &f.FrameNumber, &f.CaptureTimestampMs, &f.WriteTimestampMs, &f.Dropped); err != nil {
			return nil, err
		}
		f.SessionID, _ = uuid.Parse(sid)
		list = append(list, f)
	}
	return list, rows.Err()
}

// HealthChecks returns a session's health snapshots in time order.
func (s *Store) HealthChecks(ctx context.Context, sessionID uuid.UUID) ([]models.SessionHealth, error) {
	const q = `SELECT id, session_id, check_time, disk_space_gb, cpu_percent, memory_mb, frames_captured, frames_dropped, note
		FROM session_health WHERE session_id = ? ORDER BY check_time, id`
	rows, err := s.db.QueryContext(ctx, q, sessionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.SessionHealth
	for rows.Next() {
		var (
			h     models.SessionHealth
			sid   string
			check int64
		)
		if err := rows.Scan(&h.ID, &sid, &check, &h.DiskSpaceGB, &h.CPUPercent, &h.MemoryMB,
			&h.FramesCaptured, &h.FramesDropped, &h.Note); err != nil {
			return nil, err
		}
		h.SessionID, _ = uuid.Parse(sid)
		h.CheckTime = fromMicros(check)
		list = append(list, h)
	}
	return list, rows.Err()
}

const actionCodeColumns = `id, input_device, raw_input, encoded_value, description, category`

func scanActionCode(row scanner) (*models.ActionCode, error) {
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
	q := `SELECT ` + actionCodeColumns + ` FROM action_codes WHERE input_device = ? AND raw_input = ?`
	ac, err := scanActionCode(s.db.QueryRowContext(ctx, q, string(device), raw))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ac, nil
}

// CreateActionCode allocates the next encoded value for device and returns the
// stored row. If another writer inserted the same (device, raw) first, that row
// is returned instead.
func (s *Store) CreateActionCode(ctx context.Context, device models.InputDevice, raw, description, category string) (*models.ActionCode, error) {
	const ins = `INSERT INTO action_codes (input_device, raw_input, encoded_value, description, category)
		SELECT ?, ?, COALESCE(MAX(encoded_value) + 1, 0), ?, ? FROM action_codes WHERE input_device = ?
		ON CONFLICT DO NOTHING`
	for attempt := 0; attempt < store.MaxActionCodeAttempts; attempt++ {
		if _, err := s.db.ExecContext(ctx, ins, string(device), raw, description, category, string(device)); err != nil {
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

// ListActionCodes returns codes ordered by device then encoded value. An empty
// device lists all.
func (s *Store) ListActionCodes(ctx context.Context, device models.InputDevice) ([]models.ActionCode, error) {
	q := `SELECT ` + actionCodeColumns + ` FROM action_codes`
	var args []any
	if device != "" {
		q += ` WHERE input_device = ?`
		args = append(args, string(device))
	}
	q += ` ORDER BY input_device, encoded_value`
	rows, err := s.db.QueryContext(ctx, q, args...)
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
		COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COUNT(DISTINCT game_name),
		COALESCE(SUM(duration_seconds), 0),
		COALESCE(SUM(total_frames), 0),
		COALESCE(SUM(file_size_bytes), 0)
		FROM sessions`
	var st models.SessionStats
	if err := s.db.QueryRowContext(ctx, q).Scan(&st.TotalSessions, &st.CompletedSessions, &st.FailedSessions,
		&st.UniqueGames, &st.TotalDurationSeconds, &st.TotalFrames, &st.TotalStorageBytes); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM input_events`).Scan(&st.TotalInputEvents); err != nil {
		return nil, err
	}
	return &st, nil
}
