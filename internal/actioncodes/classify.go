package actioncodes

import (
	"strings"

	"github.com/gameon/recorder/internal/models"
)

// Categories assigned to new action codes.
const (
	CategoryMovement = "movement"
	CategoryPointer  = "pointer"
	CategoryScroll   = "scroll"
	CategoryButton   = "button"
	CategoryAnalog   = "analog"
	CategoryKey      = "key"
)

var movementKeys = map[string]bool{
	"w": true, "a": true, "s": true, "d": true,
	"up": true, "down": true, "left": true, "right": true,
	"space": true, "shift": true, "ctrl": true,
}

// Classify derives a description and category for a raw input.
func Classify(device models.InputDevice, raw string) (description, category string) {
	lower := strings.ToLower(raw)
	switch device {
	case models.DeviceMouse:
		switch {
		case lower == "move":
			return "mouse move", CategoryPointer
		case strings.HasPrefix(lower, "scroll"):
			return "mouse " + lower, CategoryScroll
		default:
			return "mouse " + lower + " button", CategoryButton
		}
	case models.DeviceXbox, models.DevicePlayStation:
		if strings.Contains(lower, "stick") || strings.Contains(lower, "trigger") ||
			strings.HasPrefix(lower, "axis") || lower == "lt" || lower == "rt" || lower == "l2" || lower == "r2" {
			return string(device) + " " + raw, CategoryAnalog
		}
		return string(device) + " " + raw + " button", CategoryButton
	default:
		if movementKeys[lower] {
			return "key " + lower, CategoryMovement
		}
		return "key " + lower, CategoryKey
	}
}
