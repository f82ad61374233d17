package models

import (
	"time"

	"github.com/google/uuid"
)

// FrameTimestamp records when a frame was captured and written (or dropped).
type FrameTimestamp struct {
	ID                 int64     `json:"id"`
	SessionID          uuid.UUID `json:"session_id"`
	FrameNumber        int64     `json:"frame_number"`
	CaptureTimestampMs int64     `json:"capture_timestamp_ms"`
	WriteTimestampMs   *int64    `json:"write_timestamp_ms,omitempty"`
	Dropped            bool      `json:"dropped"`
}

// SessionHealth is an advisory snapshot taken while recording.
type SessionHealth struct {
	ID             int64     `json:"id"`
	SessionID      uuid.UUID `json:"session_id"`
	CheckTime      time.Time `json:"check_time"`
	DiskSpaceGB    float64   `json:"disk_space_gb"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryMB       float64   `json:"memory_mb"`
	FramesCaptured int64     `json:"frames_captured"`
	FramesDropped  int64     `json:"frames_dropped"`
	Note           *string   `json:"note,omitempty"`
}
