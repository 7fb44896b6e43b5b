package device

// Action is the high-level request currently being dispatched on a device.
type Action int

// Device actions.
const (
	ActionNone Action = iota
	ActionOpen
	ActionClose
	ActionEnroll
	ActionVerify
	ActionIdentify
	ActionCapture
)

func (a Action) String() string {
	switch a {
	case ActionOpen:
		return "open"
	case ActionClose:
		return "close"
	case ActionEnroll:
		return "enroll"
	case ActionVerify:
		return "verify"
	case ActionIdentify:
		return "identify"
	case ActionCapture:
		return "capture"
	default:
		return "none"
	}
}

// IsCapture reports whether the action drives the capture state machine
// (everything except open/close bookkeeping).
func (a Action) IsCapture() bool {
	switch a {
	case ActionEnroll, ActionVerify, ActionIdentify, ActionCapture:
		return true
	default:
		return false
	}
}

// ScanType says how a finger is presented to the sensor.
type ScanType int

// Scan types.
const (
	ScanTypePress ScanType = iota
	ScanTypeSwipe
)

func (s ScanType) String() string {
	if s == ScanTypeSwipe {
		return "swipe"
	}
	return "press"
}
