package imagedev

// State is the capture lifecycle state of an image device. There is no
// neutral active state; an activated device is always waiting for a finger
// or capturing.
type State int

// Image device states.
const (
	StateInactive State = iota
	StateAwaitFingerOn
	StateCapture
	StateAwaitFingerOff
)

func (s State) String() string {
	switch s {
	case StateAwaitFingerOn:
		return "await-finger-on"
	case StateCapture:
		return "capture"
	case StateAwaitFingerOff:
		return "await-finger-off"
	default:
		return "inactive"
	}
}
