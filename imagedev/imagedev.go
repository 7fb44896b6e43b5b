// Package imagedev implements the capture state machine shared by all image
// based fingerprint drivers. It owns the activation/deactivation lifecycle,
// finger presence bookkeeping and enrollment sequencing; the hardware
// specific capture loop plugs in through the Driver interface.
package imagedev

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/verasense/fpdev/device"
	"github.com/verasense/fpdev/fpimage"
	"github.com/verasense/fpdev/fprint"
)

// EnrollStages is the default number of samples an image device enroll
// collects.
const EnrollStages = 5

// pendingActivationGrace is how long a new capture request waits for a
// previous session to finish deactivating before a retryable error is
// reported.
const pendingActivationGrace = 100 * time.Millisecond

// Driver is the hardware-specific half of an image device. Hooks receive
// the state machine and report back through its completion methods; Open
// must end with OpenComplete, Close with CloseComplete.
type Driver interface {
	Open(d *Device)
	Close(d *Device)
}

// Activator is implemented by drivers that need hardware steps (register
// writes, mode switches) when a capture session starts. It must end with
// ActivateComplete. Drivers without it activate immediately.
type Activator interface {
	Activate(d *Device)
}

// Deactivator is implemented by drivers that must tear down a capture
// session, typically by cancelling an outstanding transfer. It must
// eventually lead to DeactivateComplete; drivers without it deactivate
// immediately.
type Deactivator interface {
	Deactivate(d *Device)
}

// Device is the image device state machine. It embeds the action
// dispatcher, so a constructed Device satisfies device.Device.
type Device struct {
	*device.Base

	driver Driver
	logger golog.Logger
	clock  clock.Clock

	matchThreshold int

	mu                    sync.Mutex
	state                 State
	active                bool
	cancelling            bool
	enrollStage           int
	enrollAwaitOnPending  bool
	pendingTimer          *clock.Timer
	pendingArmed          bool
	pendingWaitingFingOff bool
}

// Option configures a Device.
type Option func(*Device)

// WithClock substitutes the wall clock, letting tests drive the
// pending-activation grace timer.
func WithClock(c clock.Clock) Option {
	return func(d *Device) { d.clock = c }
}

// WithMatchThreshold overrides the default match threshold; drivers for
// low quality sensors set this.
func WithMatchThreshold(threshold int) Option {
	return func(d *Device) { d.matchThreshold = threshold }
}

// New wires an image device state machine between the dispatcher and a
// capture driver.
func New(base *device.Base, drv Driver, opts ...Option) *Device {
	d := &Device{
		Base:           base,
		driver:         drv,
		logger:         base.Logger(),
		clock:          clock.New(),
		matchThreshold: fprint.DefaultMatchThreshold,
	}
	for _, opt := range opts {
		opt(d)
	}
	if base.NrEnrollStages() == 0 {
		base.SetNrEnrollStages(EnrollStages)
	}
	base.SetHandler(d)
	return d
}

// State returns the current capture lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// MatchThreshold returns the score threshold used for verify/identify.
func (d *Device) MatchThreshold() int { return d.matchThreshold }

// assumes d.mu is held. Cannot change to inactive; that only happens via
// deactivate.
func (d *Device) changeStateLocked(state State) {
	if state == StateInactive {
		panic("imagedev: changeStateLocked cannot enter inactive")
	}
	// we might have been waiting for the finger to go off to start the
	// next operation
	d.clearPendingTimerLocked()
	d.logger.Debugf("image device state change from %s to %s", d.state, state)
	d.state = state
}

// assumes d.mu is held.
func (d *Device) clearPendingTimerLocked() {
	if d.pendingTimer != nil {
		d.pendingTimer.Stop()
		d.pendingTimer = nil
	}
	d.pendingArmed = false
}

// assumes d.mu is held.
func (d *Device) enrollMaybeAwaitFingerOnLocked() {
	if d.enrollAwaitOnPending {
		d.enrollAwaitOnPending = false
		d.changeStateLocked(StateAwaitFingerOn)
	} else {
		d.enrollAwaitOnPending = true
	}
}

func (d *Device) activate() {
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		d.logger.Error("activate requested while already active")
		return
	}
	// no neutral active state; we always go into await-finger-on next
	d.changeStateLocked(StateAwaitFingerOn)
	d.mu.Unlock()

	d.logger.Debug("activating image device")
	if a, ok := d.driver.(Activator); ok {
		a.Activate(d)
		return
	}
	d.ActivateComplete(nil)
}

func (d *Device) deactivate() {
	d.mu.Lock()
	if !d.active || d.state == StateInactive {
		// deactivation is requested both from match results and finger-off
		// reports, so a second request is normal
		d.logger.Debug("already deactivated or deactivating, ignoring request")
		d.mu.Unlock()
		return
	}
	if !d.cancelling && d.state == StateAwaitFingerOn {
		d.logger.Warn("deactivating image device while waiting for finger, this should not happen")
	}
	d.state = StateInactive
	d.mu.Unlock()

	d.logger.Debug("deactivating image device")
	if de, ok := d.driver.(Deactivator); ok {
		de.Deactivate(d)
		return
	}
	d.DeactivateComplete(nil)
}

func (d *Device) deactivateCancelling() {
	d.mu.Lock()
	d.cancelling = true
	d.mu.Unlock()
	d.deactivate()
	d.mu.Lock()
	d.cancelling = false
	d.mu.Unlock()
}

// ActivateComplete is called by the driver when session activation is done.
func (d *Device) ActivateComplete(err error) {
	action := d.CurrentAction()
	if !action.IsCapture() {
		d.logger.Warnw("activation completed outside a capture action", "action", action.String())
	}
	if err != nil {
		d.logger.Debug("image device activation failed")
		d.ActionError(err)
		return
	}
	d.logger.Debug("image device activation completed")
	d.mu.Lock()
	d.active = true
	d.changeStateLocked(StateAwaitFingerOn)
	d.mu.Unlock()
}

// DeactivateComplete is called by the driver when session teardown is done.
// It is never called before an outstanding transfer's completion callback
// has fired; the driver reports it from that callback when cancellation was
// in flight.
func (d *Device) DeactivateComplete(err error) {
	d.mu.Lock()
	if !d.active || d.state != StateInactive {
		d.logger.Warnw("unexpected deactivation completion",
			"active", d.active, "state", d.state.String())
	}
	d.active = false
	hadPending := d.pendingArmed
	d.clearPendingTimerLocked()
	d.mu.Unlock()

	d.logger.Debugw("image device deactivation completed", "error", err)

	// deactivation runs in the background, so a new request may already be
	// waiting on it
	action := d.CurrentAction()
	if action == device.ActionClose {
		// close was deferred until deactivation finished
		d.driver.Close(d)
		return
	}
	if hadPending {
		d.activate()
	}
}

// OpenComplete is called by the driver when the device is claimed.
func (d *Device) OpenComplete(err error) {
	d.mu.Lock()
	d.state = StateInactive
	d.mu.Unlock()
	d.logger.Debug("image device open completed")
	d.Base.OpenComplete(err)
}

// CloseComplete is called by the driver when the device is released.
func (d *Device) CloseComplete(err error) {
	d.mu.Lock()
	d.state = StateInactive
	d.mu.Unlock()
	d.logger.Debug("image device close completed")
	d.Base.CloseComplete(err)
}

// ReportFingerStatus is called by the driver whenever it learns whether the
// user's finger is on the sensor.
func (d *Device) ReportFingerStatus(present bool) {
	d.mu.Lock()
	if d.state == StateInactive {
		// can happen if the user already had a finger on the device at
		// initialization time
		d.logger.Debug("ignoring finger presence report, device is not active")
		d.mu.Unlock()
		return
	}
	d.logger.Debugw("finger status reported", "present", present)

	if present && d.state == StateAwaitFingerOn {
		d.changeStateLocked(StateCapture)
		d.mu.Unlock()
		return
	}
	if !present && d.state == StateAwaitFingerOff {
		// Deactivate or continue to await finger. We always end up
		// deactivating except during enroll: there the next await-finger-on
		// only happens after minutiae detection, so deactivation without
		// cancellation never starts from await-finger-on.
		if d.CurrentAction() != device.ActionEnroll {
			d.mu.Unlock()
			d.deactivate()
			return
		}
		d.enrollMaybeAwaitFingerOnLocked()
	}
	d.mu.Unlock()
}

// ImageCaptured hands a completed image to the enrollment/verification
// pipeline. Only use it for successful captures; report retry conditions
// with RetryScan and fatal problems with SessionError.
func (d *Device) ImageCaptured(img *fpimage.Image) {
	action := d.CurrentAction()
	d.mu.Lock()
	if img == nil || d.state != StateCapture || !action.IsCapture() {
		d.logger.Warnw("dropping unexpected captured image",
			"state", d.state.String(), "action", action.String())
		d.mu.Unlock()
		return
	}
	d.changeStateLocked(StateAwaitFingerOff)
	d.mu.Unlock()

	d.logger.Debug("image device captured an image")

	// minutiae detection also runs for plain captures; it normalizes the
	// image as a by-product
	ctx := d.Cancellable()
	goutils.PanicCapturingGo(func() {
		sample, err := d.Matcher().Detect(ctx, img)
		d.minutiaeDetected(ctx, img, sample, err)
	})
}

func (d *Device) minutiaeDetected(ctx context.Context, img *fpimage.Image, sample *fprint.Print, err error) {
	if ctx.Err() != nil {
		// the action this detection ran under has already completed,
		// typically by cancellation, and whoever completed it also handled
		// the teardown; delivering anything now would hit a later action
		d.logger.Debug("dropping detection result for a finished action")
		return
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			d.ActionError(err)
			d.deactivate()
			return
		}
		// replace the failure with a retry condition
		d.logger.Warnw("failed to detect minutiae", "error", err)
		err = device.NewRetryErrorMsg(device.RetryGeneral, "minutiae detection failed, please retry")
		sample = nil
	}

	action := d.CurrentAction()
	switch action {
	case device.ActionCapture:
		d.CaptureComplete(img, err)
		d.deactivate()

	case device.ActionEnroll:
		enrollPrint := d.EnrollData()
		d.mu.Lock()
		if sample != nil {
			enrollPrint.Append(sample)
			d.enrollStage++
		}
		stage := d.enrollStage
		d.mu.Unlock()

		d.EnrollProgress(stage, sample, err)

		// start another scan or deactivate
		if stage == d.NrEnrollStages() {
			d.EnrollComplete(enrollPrint, nil)
			d.deactivate()
			return
		}
		d.mu.Lock()
		d.enrollMaybeAwaitFingerOnLocked()
		d.mu.Unlock()

	case device.ActionVerify:
		enrolled := d.VerifyData()
		result := fprint.MatchError
		if sample != nil {
			var merr error
			result, merr = fprint.Match(ctx, d.Matcher(), d.matchThreshold, enrolled, sample)
			if merr != nil {
				err = merr
				result = fprint.MatchError
			}
		}
		if err == nil || device.IsRetry(err) {
			d.VerifyReport(result, sample, err)
			err = nil
		}
		d.VerifyComplete(err)
		d.deactivate()

	case device.ActionIdentify:
		gallery := d.IdentifyData()
		var match *fprint.Print
		if sample != nil {
			for _, enrolled := range gallery {
				result, merr := fprint.Match(ctx, d.Matcher(), d.matchThreshold, enrolled, sample)
				if merr != nil {
					err = merr
					break
				}
				if result == fprint.MatchSuccess {
					match = enrolled
					break
				}
			}
		}
		if err == nil || device.IsRetry(err) {
			d.IdentifyReport(match, sample, err)
			err = nil
		}
		d.IdentifyComplete(err)
		d.deactivate()

	default:
		d.logger.Errorw("minutiae detected outside a capture action", "action", action.String())
	}
}

// RetryScan reports a scan failure the user can correct, the capture
// equivalent of ImageCaptured for retryable conditions (short swipe,
// smudged sensor).
func (d *Device) RetryScan(reason device.RetryReason) {
	action := d.CurrentAction()
	d.mu.Lock()
	// we may be waiting for a finger at this point, so accept everything
	// but inactive
	if d.state == StateInactive || !action.IsCapture() {
		d.logger.Warnw("dropping retry report", "state", d.state.String(), "action", action.String())
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	err := device.NewRetryError(reason)

	switch action {
	case device.ActionEnroll:
		d.mu.Lock()
		stage := d.enrollStage
		d.enrollAwaitOnPending = true
		d.changeStateLocked(StateAwaitFingerOff)
		d.mu.Unlock()
		d.logger.Debug("reporting retry during enroll")
		d.EnrollProgress(stage, nil, err)

	case device.ActionVerify:
		d.VerifyReport(fprint.MatchError, nil, err)
		d.deactivateCancelling()
		d.VerifyComplete(nil)

	case device.ActionIdentify:
		d.IdentifyReport(nil, nil, err)
		d.deactivateCancelling()
		d.IdentifyComplete(nil)

	default:
		// abort and let the caller retry; identical to a session error
		d.logger.Debug("aborting current operation due to retry")
		d.deactivateCancelling()
		d.ActionError(err)
	}
}

// SessionError reports a fatal error while interacting with the device. It
// aborts the whole ongoing action, including a multi-stage enroll. Must not
// be used to report errors during deactivation; cancellation-class errors
// from a planned deactivation are absorbed here.
func (d *Device) SessionError(err error) {
	if err == nil {
		d.logger.Warn("driver reported a session error without an error, generating a generic one")
		err = errors.New("driver reported session error without an error")
	}

	d.mu.Lock()
	active := d.active
	state := d.state
	d.mu.Unlock()

	if !active {
		d.logger.Warn("driver reported session error, but device is inactive")
		if d.CurrentAction() != device.ActionNone {
			// translate to an activation failure
			d.ActionError(err)
		}
		return
	}
	if errors.Is(err, context.Canceled) && d.ActionCancelled() {
		// we will explicitly deactivate anyway, or already have
		d.logger.Debug("driver reported a cancellation error, expected but not required; ignoring")
		return
	}
	if state == StateInactive {
		d.logger.Warn("driver reported session error while already deactivating, ignoring; this indicates a driver bug")
		return
	}
	if device.IsRetry(err) {
		d.logger.Warn("driver should report retries using RetryScan")
	}

	d.deactivateCancelling()
	d.ActionError(err)
}

// HandleOpen forwards the open request; nothing special about opening an
// image device.
func (d *Device) HandleOpen() {
	d.driver.Open(d)
}

// HandleClose may need to wait for or force deactivation first. Three
// cases: inactive closes now, waiting for finger-off deactivates now, and
// an in-flight deactivation defers the close to DeactivateComplete.
func (d *Device) HandleClose() {
	d.mu.Lock()
	active := d.active
	state := d.state
	d.mu.Unlock()

	if !active {
		d.driver.Close(d)
		return
	}
	if state != StateInactive {
		d.deactivate()
	}
}

// HandleCapture starts a capture-class action.
func (d *Device) HandleCapture() {
	action := d.CurrentAction()

	// the one action we cannot support out of the box is a capture that
	// does not first wait for a finger on the device
	if action == device.ActionCapture && !d.CaptureData() {
		d.ActionError(device.ErrNotSupported)
		return
	}

	d.mu.Lock()
	d.enrollStage = 0
	d.enrollAwaitOnPending = false

	// The device might still be deactivating from a previous call. Wait a
	// bit before reporting back an error, which will usually say the user
	// should remove the finger.
	if d.state != StateInactive || d.active {
		d.logger.Debug("got a new request while the device was still active")
		if d.pendingArmed {
			d.logger.Warn("pending activation already armed, replacing")
			d.clearPendingTimerLocked()
		}
		d.pendingWaitingFingOff = d.state == StateAwaitFingerOff
		d.pendingArmed = true
		d.pendingTimer = d.clock.AfterFunc(pendingActivationGrace, d.pendingActivationTimeout)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	// activation completion arrives via ActivateComplete, possibly
	// immediately
	d.activate()
}

func (d *Device) pendingActivationTimeout() {
	d.mu.Lock()
	if !d.pendingArmed {
		d.mu.Unlock()
		return
	}
	d.pendingArmed = false
	d.pendingTimer = nil
	waitingFingerOff := d.pendingWaitingFingOff
	d.mu.Unlock()

	var err error
	if waitingFingerOff {
		err = device.NewRetryErrorMsg(device.RetryRemoveFinger,
			"remove finger before requesting another scan operation")
	} else {
		err = device.NewRetryError(device.RetryGeneral)
	}

	switch d.CurrentAction() {
	case device.ActionVerify:
		d.VerifyReport(fprint.MatchError, nil, err)
		d.VerifyComplete(nil)
	case device.ActionIdentify:
		d.IdentifyReport(nil, nil, err)
		d.IdentifyComplete(nil)
	default:
		d.ActionError(err)
	}
}

// HandleCancel forces deactivation and reports a cancellation; it only
// applies to capture-class actions. Deactivation always runs first so no
// transfer is left dangling.
func (d *Device) HandleCancel() {
	if !d.CurrentAction().IsCapture() {
		return
	}
	d.deactivateCancelling()
	d.ActionError(errors.Wrap(context.Canceled, "device operation was cancelled"))
}
