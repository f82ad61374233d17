package models

// ActionCode maps (input_device, raw_input) to a stable small integer.
type ActionCode struct {
	ID           int64       `json:"id"`
	InputDevice  InputDevice `json:"input_device"`
	RawInput     string      `json:"raw_input"`
	EncodedValue int         `json:"encoded_value"`
	Description  string      `json:"description,omitempty"`
	Category     string      `json:"category,omitempty"`
}

// MappingKey is the "device:raw" key used by action mappings.
func (a ActionCode) MappingKey() string {
	return string(a.InputDevice) + ":" + a.RawInput
}
