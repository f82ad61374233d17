package models

import "github.com/google/uuid"

// InputDevice is the device that produced an input event.
type InputDevice string

const (
	DeviceKeyboard    InputDevice = "keyboard"
	DeviceMouse       InputDevice = "mouse"
	DeviceXbox        InputDevice = "xbox"
	DevicePlayStation InputDevice = "playstation"
)

// InputAction is what happened on the device.
type InputAction string

const (
	ActionPress   InputAction = "press"
	ActionRelease InputAction = "release"
	ActionMove    InputAction = "move"
	ActionScroll  InputAction = "scroll"
)

// InputEvent is one discrete input occurrence relative to session start.
type InputEvent struct {
	ID          int64       `json:"id"`
	SessionID   uuid.UUID   `json:"session_id"`
	TimestampMs int64       `json:"timestamp_ms"`
	InputDevice InputDevice `json:"input_device"`
	ButtonKey   string      `json:"button_key"`
	Action      InputAction `json:"action"`
	Value       *float64    `json:"value,omitempty"`
	XPosition   *float64    `json:"x_position,omitempty"`
	YPosition   *float64    `json:"y_position,omitempty"`
	ActionCode  *int64      `json:"action_code,omitempty"`
}
