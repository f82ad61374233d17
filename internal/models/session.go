package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus values stored in sessions.status.
const (
	SessionStatusRecording = "recording"
	SessionStatusCompleted = "completed"
	SessionStatusFailed    = "failed"
)

// InputType is the controller family selected for a session.
type InputType string

const (
	InputTypeKeyboard    InputType = "keyboard"
	InputTypeXbox        InputType = "xbox"
	InputTypePlayStation InputType = "playstation"
)

// Valid reports whether t is one of the supported input types.
func (t InputType) Valid() bool {
	switch t {
	case InputTypeKeyboard, InputTypeXbox, InputTypePlayStation:
		return true
	}
	return false
}

// Session is one recording attempt (one row in sessions).
type Session struct {
	ID                  uuid.UUID  `json:"id"`
	GameName            string     `json:"game_name"`
	StartTime           time.Time  `json:"start_time"`
	EndTime             *time.Time `json:"end_time,omitempty"`
	DurationSeconds     *int64     `json:"duration_seconds,omitempty"`
	Status              string     `json:"status"`
	InputType           InputType  `json:"input_type"`
	FPS                 int        `json:"fps"`
	LatencyOffsetMs     int        `json:"latency_offset_ms"`
	MonitorIndex        int        `json:"monitor_index"`
	VideoWidth          int        `json:"video_width"`
	VideoHeight         int        `json:"video_height"`
	VideoCodec          string     `json:"video_codec"`
	TotalFrames         int64      `json:"total_frames"`
	VideoPath           *string    `json:"video_path,omitempty"`
	SystemAudioPath     *string    `json:"system_audio_path,omitempty"`
	MicrophoneAudioPath *string    `json:"microphone_audio_path,omitempty"`
	FileSizeBytes       int64      `json:"file_size_bytes"`
	Notes               *string    `json:"notes,omitempty"`
	LastHeartbeat       *time.Time `json:"last_heartbeat,omitempty"`
	ArchiveKey          *string    `json:"archive_key,omitempty"`
}

// SessionResult carries everything written when a session completes.
type SessionResult struct {
	ID                  uuid.UUID
	EndTime             time.Time
	DurationSeconds     int64
	VideoWidth          int
	VideoHeight         int
	TotalFrames         int64
	VideoPath           *string
	SystemAudioPath     *string
	MicrophoneAudioPath *string
	FileSizeBytes       int64
	Notes               *string
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	GameName string
	Status   string
	Limit    int
}

// SessionStats aggregates the whole store (the "stats" view).
type SessionStats struct {
	TotalSessions        int64 `json:"total_sessions"`
	CompletedSessions    int64 `json:"completed_sessions"`
	FailedSessions       int64 `json:"failed_sessions"`
	UniqueGames          int64 `json:"unique_games"`
	TotalDurationSeconds int64 `json:"total_duration_seconds"`
	TotalFrames          int64 `json:"total_frames"`
	TotalInputEvents     int64 `json:"total_input_events"`
	TotalStorageBytes    int64 `json:"total_storage_bytes"`
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
