// Package device implements the action dispatcher shared by all fingerprint
// device classes: it serializes open/close/enroll/verify/identify/capture
// requests, owns per-action cancellation, and routes the typed completion
// reports a capture state machine emits back to the caller.
package device

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/verasense/fpdev/fpimage"
	"github.com/verasense/fpdev/fprint"
)

// EnrollProgressFunc is invoked after every enroll stage with the stage
// count reached, the sample print from that stage (nil on a retryable
// failure) and the per-stage error, if any.
type EnrollProgressFunc func(stage int, sample *fprint.Print, err error)

// Handler routes dispatched actions into a device class implementation,
// e.g. the image device state machine.
type Handler interface {
	HandleOpen()
	HandleClose()
	// HandleCapture starts a capture-class action (enroll, verify,
	// identify, capture); the action is identified via CurrentAction.
	HandleCapture()
	HandleCancel()
}

// Device is the public surface of a fingerprint reader.
type Device interface {
	Name() string
	DriverID() string
	ScanType() ScanType
	NrEnrollStages() int

	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Enroll(ctx context.Context, progress EnrollProgressFunc) (*fprint.Print, error)
	Verify(ctx context.Context, enrolled *fprint.Print) (fprint.MatchResult, *fprint.Print, error)
	Identify(ctx context.Context, gallery []*fprint.Print) (*fprint.Print, *fprint.Print, error)
	Capture(ctx context.Context, waitForFinger bool) (*fpimage.Image, error)
}

type actionResult struct {
	err       error
	reportErr error

	enrollPrint   *fprint.Print
	verifyResult  fprint.MatchResult
	verifyPrint   *fprint.Print
	identifyMatch *fprint.Print
	identifyPrint *fprint.Print
	captureImage  *fpimage.Image
}

// Base carries the per-device action bookkeeping. Device classes embed or
// wrap it and register themselves as the Handler.
type Base struct {
	name           string
	driverID       string
	scanType       ScanType
	matcher        fprint.Matcher
	logger         golog.Logger
	handler        Handler
	nrEnrollStages int

	mu           sync.Mutex
	action       Action
	cancelCtx    context.Context
	cancelFunc   context.CancelFunc
	cancelled    bool
	resCh        chan actionResult
	pending      actionResult
	enrollPrint  *fprint.Print
	enrollNotify EnrollProgressFunc
	verifyData   *fprint.Print
	identifyData []*fprint.Print
	captureWait  bool
}

// NewBase creates the dispatcher half of a device. The handler must be set
// before any action is started.
func NewBase(name, driverID string, scanType ScanType, matcher fprint.Matcher, logger golog.Logger) *Base {
	return &Base{
		name:     name,
		driverID: driverID,
		scanType: scanType,
		matcher:  matcher,
		logger:   logger,
	}
}

// SetHandler wires in the device class implementation.
func (b *Base) SetHandler(h Handler) { b.handler = h }

// Name returns the configured device name.
func (b *Base) Name() string { return b.name }

// DriverID returns the id of the driver operating this device.
func (b *Base) DriverID() string { return b.driverID }

// ScanType returns how fingers are presented to this sensor.
func (b *Base) ScanType() ScanType { return b.scanType }

// NrEnrollStages returns how many samples an enroll needs.
func (b *Base) NrEnrollStages() int { return b.nrEnrollStages }

// SetNrEnrollStages is called by the device class during construction.
func (b *Base) SetNrEnrollStages(n int) { b.nrEnrollStages = n }

// Matcher returns the external scoring oracle.
func (b *Base) Matcher() fprint.Matcher { return b.matcher }

// Logger returns the device logger.
func (b *Base) Logger() golog.Logger { return b.logger }

// CurrentAction returns the action being dispatched, if any.
func (b *Base) CurrentAction() Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.action
}

// ActionCancelled reports whether the current action was cancelled.
func (b *Base) ActionCancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

// Cancellable returns a context that is cancelled when the current action
// finishes or is cancelled; transfers belonging to the action should be
// submitted under it.
func (b *Base) Cancellable() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelCtx == nil {
		return context.Background()
	}
	return b.cancelCtx
}

// EnrollData returns the print accumulating enroll-stage samples.
func (b *Base) EnrollData() *fprint.Print {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enrollPrint
}

// VerifyData returns the enrolled print being verified against.
func (b *Base) VerifyData() *fprint.Print {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.verifyData
}

// IdentifyData returns the gallery being identified against.
func (b *Base) IdentifyData() []*fprint.Print {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identifyData
}

// CaptureData returns whether the capture action wants to wait for a finger.
func (b *Base) CaptureData() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.captureWait
}

func (b *Base) beginAction(a Action) (chan actionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handler == nil {
		return nil, errors.New("device has no action handler")
	}
	if b.action != ActionNone {
		return nil, errors.Wrapf(ErrBusy, "cannot start %s during %s", a, b.action)
	}
	b.action = a
	b.cancelled = false
	b.pending = actionResult{}
	b.cancelCtx, b.cancelFunc = context.WithCancel(context.Background())
	b.resCh = make(chan actionResult, 1)
	return b.resCh, nil
}

// finish completes the current action, delivering all pending reports plus
// the final error to the waiting caller.
func (b *Base) finish(expect Action, err error) {
	b.mu.Lock()
	if b.action == ActionNone {
		b.mu.Unlock()
		b.logger.Warnw("completion reported without an action in progress", "error", err)
		return
	}
	if expect != ActionNone && b.action != expect {
		// a completion left over from an earlier action must not finish the
		// one that is running now
		b.logger.Warnw("dropping completion reported for wrong action",
			"expected", expect.String(), "current", b.action.String())
		b.mu.Unlock()
		return
	}
	res := b.pending
	res.err = err
	ch := b.resCh
	cancel := b.cancelFunc
	b.action = ActionNone
	b.cancelled = false
	b.resCh = nil
	b.cancelCtx = nil
	b.cancelFunc = nil
	b.enrollPrint = nil
	b.enrollNotify = nil
	b.verifyData = nil
	b.identifyData = nil
	b.mu.Unlock()

	cancel()
	ch <- res
}

// OpenComplete reports completion of an open action.
func (b *Base) OpenComplete(err error) { b.finish(ActionOpen, err) }

// CloseComplete reports completion of a close action.
func (b *Base) CloseComplete(err error) { b.finish(ActionClose, err) }

// ActionError aborts the current action with err.
func (b *Base) ActionError(err error) {
	if err == nil {
		err = errors.New("device class reported an action error without an error")
	}
	b.finish(ActionNone, err)
}

// EnrollProgress reports one enroll stage.
func (b *Base) EnrollProgress(stage int, sample *fprint.Print, err error) {
	b.mu.Lock()
	notify := b.enrollNotify
	b.mu.Unlock()
	b.logger.Debugw("enroll progress", "stage", stage, "error", err)
	if notify != nil {
		notify(stage, sample, err)
	}
}

// EnrollComplete reports the end of an enroll action.
func (b *Base) EnrollComplete(p *fprint.Print, err error) {
	b.mu.Lock()
	b.pending.enrollPrint = p
	b.mu.Unlock()
	b.finish(ActionEnroll, err)
}

// VerifyReport records the match outcome of a verify action; a nil print
// with an error means no usable sample was captured.
func (b *Base) VerifyReport(result fprint.MatchResult, sample *fprint.Print, err error) {
	b.mu.Lock()
	b.pending.verifyResult = result
	b.pending.verifyPrint = sample
	b.pending.reportErr = err
	b.mu.Unlock()
}

// VerifyComplete reports the end of a verify action.
func (b *Base) VerifyComplete(err error) { b.finish(ActionVerify, err) }

// IdentifyReport records the match outcome of an identify action.
func (b *Base) IdentifyReport(match, sample *fprint.Print, err error) {
	b.mu.Lock()
	b.pending.identifyMatch = match
	b.pending.identifyPrint = sample
	b.pending.reportErr = err
	b.mu.Unlock()
}

// IdentifyComplete reports the end of an identify action.
func (b *Base) IdentifyComplete(err error) { b.finish(ActionIdentify, err) }

// CaptureComplete reports the end of a capture action.
func (b *Base) CaptureComplete(img *fpimage.Image, err error) {
	b.mu.Lock()
	b.pending.captureImage = img
	b.mu.Unlock()
	b.finish(ActionCapture, err)
}

// Cancel aborts the current capture-class action, if any. The action still
// completes through its normal path, with a cancellation error.
func (b *Base) Cancel() {
	b.mu.Lock()
	if !b.action.IsCapture() {
		b.mu.Unlock()
		return
	}
	b.cancelled = true
	h := b.handler
	b.mu.Unlock()
	h.HandleCancel()
}

func (b *Base) wait(ctx context.Context, ch chan actionResult) actionResult {
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		b.Cancel()
		return <-ch
	}
}

// Open prepares the device for capture actions.
func (b *Base) Open(ctx context.Context) error {
	ch, err := b.beginAction(ActionOpen)
	if err != nil {
		return err
	}
	b.handler.HandleOpen()
	res := b.wait(ctx, ch)
	return res.err
}

// Close releases the device. If a capture session is still winding down the
// close is deferred until deactivation finishes.
func (b *Base) Close(ctx context.Context) error {
	ch, err := b.beginAction(ActionClose)
	if err != nil {
		return err
	}
	b.handler.HandleClose()
	res := b.wait(ctx, ch)
	return res.err
}

// Enroll captures the configured number of samples and returns the merged
// print. progress may be nil.
func (b *Base) Enroll(ctx context.Context, progress EnrollProgressFunc) (*fprint.Print, error) {
	ch, err := b.beginAction(ActionEnroll)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.enrollPrint = fprint.New(b.driverID)
	b.enrollNotify = progress
	b.mu.Unlock()
	b.handler.HandleCapture()
	res := b.wait(ctx, ch)
	if res.err != nil {
		return nil, res.err
	}
	return res.enrollPrint, nil
}

// Verify captures one sample and compares it against enrolled. A retryable
// failure is returned as a RetryError alongside MatchError.
func (b *Base) Verify(ctx context.Context, enrolled *fprint.Print) (fprint.MatchResult, *fprint.Print, error) {
	ch, err := b.beginAction(ActionVerify)
	if err != nil {
		return fprint.MatchError, nil, err
	}
	b.mu.Lock()
	b.verifyData = enrolled
	b.mu.Unlock()
	b.handler.HandleCapture()
	res := b.wait(ctx, ch)
	if res.err != nil {
		return fprint.MatchError, nil, res.err
	}
	return res.verifyResult, res.verifyPrint, res.reportErr
}

// Identify captures one sample and returns the gallery print it matched,
// if any, along with the captured sample.
func (b *Base) Identify(ctx context.Context, gallery []*fprint.Print) (*fprint.Print, *fprint.Print, error) {
	ch, err := b.beginAction(ActionIdentify)
	if err != nil {
		return nil, nil, err
	}
	b.mu.Lock()
	b.identifyData = gallery
	b.mu.Unlock()
	b.handler.HandleCapture()
	res := b.wait(ctx, ch)
	if res.err != nil {
		return nil, nil, res.err
	}
	return res.identifyMatch, res.identifyPrint, res.reportErr
}

// Capture returns one normalized image. Image devices only support
// waitForFinger captures.
func (b *Base) Capture(ctx context.Context, waitForFinger bool) (*fpimage.Image, error) {
	ch, err := b.beginAction(ActionCapture)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.captureWait = waitForFinger
	b.mu.Unlock()
	b.handler.HandleCapture()
	res := b.wait(ctx, ch)
	if res.err != nil {
		return nil, res.err
	}
	return res.captureImage, nil
}
