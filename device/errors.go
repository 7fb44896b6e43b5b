package device

import "github.com/pkg/errors"

// Sentinel error kinds surfaced by device actions. Transport failures are
// wrapped I/O errors; cancellation matches context.Canceled; protocol
// desyncs are usb.ErrShortTransfer.
var (
	// ErrNotSupported reports a capability mismatch, e.g. an immediate
	// capture requested on a device that needs a finger-present trigger.
	ErrNotSupported = errors.New("operation not supported by this device")

	// ErrBusy reports that another action is already running on the device.
	ErrBusy = errors.New("another action is already in progress")
)

// RetryReason says what the user should do before the next attempt.
type RetryReason int

// Retry reasons, surfaced distinctly so callers can prompt differently.
const (
	RetryGeneral RetryReason = iota
	RetryRemoveFinger
	RetryTooShort
	RetryCenterFinger
)

func (r RetryReason) String() string {
	switch r {
	case RetryRemoveFinger:
		return "remove finger"
	case RetryTooShort:
		return "swipe too short"
	case RetryCenterFinger:
		return "center finger"
	default:
		return "general retry"
	}
}

// RetryError is a user-actionable scan failure. The action it interrupted
// may be reported as complete; the caller should prompt and try again.
type RetryError struct {
	Reason  RetryReason
	Message string
}

func (e *RetryError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "scan failed (" + e.Reason.String() + "), please retry"
}

// NewRetryError creates a retry error for the given reason.
func NewRetryError(reason RetryReason) *RetryError {
	return &RetryError{Reason: reason}
}

// NewRetryErrorMsg creates a retry error with an explicit message.
func NewRetryErrorMsg(reason RetryReason, msg string) *RetryError {
	return &RetryError{Reason: reason, Message: msg}
}

// IsRetry reports whether err is (or wraps) a RetryError.
func IsRetry(err error) bool {
	var re *RetryError
	return errors.As(err, &re)
}
