package device_test

import (
	"context"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/verasense/fpdev/device"
	"github.com/verasense/fpdev/fpimage"
	"github.com/verasense/fpdev/fprint"
)

type nopMatcher struct{}

func (nopMatcher) Detect(ctx context.Context, img *fpimage.Image) (*fprint.Print, error) {
	return fprint.NewFromTemplate("nop", nil), nil
}

func (nopMatcher) Score(ctx context.Context, enrolled, candidate *fprint.Print) (int, error) {
	return 0, nil
}

// scriptHandler completes each action from a per-action script, on the
// dispatching goroutine, the way a synchronous driver would.
type scriptHandler struct {
	base *device.Base

	onOpen    func()
	onClose   func()
	onCapture func()
	cancels   int
}

func (h *scriptHandler) HandleOpen() {
	if h.onOpen != nil {
		h.onOpen()
		return
	}
	h.base.OpenComplete(nil)
}

func (h *scriptHandler) HandleClose() {
	if h.onClose != nil {
		h.onClose()
		return
	}
	h.base.CloseComplete(nil)
}

func (h *scriptHandler) HandleCapture() {
	if h.onCapture != nil {
		h.onCapture()
	}
}

func (h *scriptHandler) HandleCancel() {
	h.cancels++
	h.base.ActionError(errors.Wrap(context.Canceled, "device operation was cancelled"))
}

func newBase(t *testing.T) (*device.Base, *scriptHandler) {
	t.Helper()
	logger := golog.NewTestLogger(t)
	base := device.NewBase("test reader", "fake", device.ScanTypeSwipe, nopMatcher{}, logger)
	h := &scriptHandler{base: base}
	base.SetHandler(h)
	return base, h
}

func TestAccessors(t *testing.T) {
	base, _ := newBase(t)
	test.That(t, base.Name(), test.ShouldEqual, "test reader")
	test.That(t, base.DriverID(), test.ShouldEqual, "fake")
	test.That(t, base.ScanType(), test.ShouldEqual, device.ScanTypeSwipe)
	test.That(t, base.CurrentAction(), test.ShouldEqual, device.ActionNone)
}

func TestOpenClose(t *testing.T) {
	base, _ := newBase(t)
	ctx := context.Background()
	test.That(t, base.Open(ctx), test.ShouldBeNil)
	test.That(t, base.Close(ctx), test.ShouldBeNil)
}

func TestOpenFailure(t *testing.T) {
	base, h := newBase(t)
	boom := errors.New("claim failed")
	h.onOpen = func() { base.OpenComplete(boom) }
	err := base.Open(context.Background())
	test.That(t, errors.Is(err, boom), test.ShouldBeTrue)
	// the action slot must be free again
	h.onOpen = nil
	test.That(t, base.Open(context.Background()), test.ShouldBeNil)
}

func TestBusy(t *testing.T) {
	base, h := newBase(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h.onCapture = func() {
		close(started)
		go func() {
			<-release
			base.CaptureComplete(fpimage.New(1, 1), nil)
		}()
	}

	resCh := make(chan error, 1)
	go func() {
		_, err := base.Capture(context.Background(), true)
		resCh <- err
	}()
	<-started

	_, err := base.Enroll(context.Background(), nil)
	test.That(t, errors.Is(err, device.ErrBusy), test.ShouldBeTrue)

	close(release)
	test.That(t, <-resCh, test.ShouldBeNil)
}

func TestEnroll(t *testing.T) {
	base, h := newBase(t)
	h.onCapture = func() {
		enrollPrint := base.EnrollData()
		for stage := 1; stage <= 3; stage++ {
			sample := fprint.NewFromTemplate("fake", []byte{byte(stage)})
			enrollPrint.Append(sample)
			base.EnrollProgress(stage, sample, nil)
		}
		base.EnrollComplete(enrollPrint, nil)
	}

	var stages []int
	p, err := base.Enroll(context.Background(), func(stage int, sample *fprint.Print, err error) {
		stages = append(stages, stage)
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stages, test.ShouldResemble, []int{1, 2, 3})
	test.That(t, len(p.Templates()), test.ShouldEqual, 3)
}

func TestVerifyReportStealsError(t *testing.T) {
	base, h := newBase(t)
	retryErr := device.NewRetryError(device.RetryRemoveFinger)
	h.onCapture = func() {
		base.VerifyReport(fprint.MatchError, nil, retryErr)
		base.VerifyComplete(nil)
	}

	enrolled := fprint.NewFromTemplate("fake", []byte("enrolled"))
	result, sample, err := base.Verify(context.Background(), enrolled)
	// the retry is delivered through the report, not as an action failure
	test.That(t, result, test.ShouldEqual, fprint.MatchError)
	test.That(t, sample, test.ShouldBeNil)
	test.That(t, device.IsRetry(err), test.ShouldBeTrue)
}

func TestIdentifyReport(t *testing.T) {
	base, h := newBase(t)
	gallery := []*fprint.Print{
		fprint.NewFromTemplate("fake", []byte("a")),
		fprint.NewFromTemplate("fake", []byte("b")),
	}
	sample := fprint.NewFromTemplate("fake", []byte("sample"))
	h.onCapture = func() {
		test.That(t, len(base.IdentifyData()), test.ShouldEqual, 2)
		base.IdentifyReport(gallery[1], sample, nil)
		base.IdentifyComplete(nil)
	}

	match, got, err := base.Identify(context.Background(), gallery)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, match, test.ShouldEqual, gallery[1])
	test.That(t, got, test.ShouldEqual, sample)
}

func TestWrongActionCompletionDropped(t *testing.T) {
	base, h := newBase(t)
	started := make(chan struct{})
	h.onCapture = func() { close(started) }

	resCh := make(chan error, 1)
	go func() {
		_, err := base.Capture(context.Background(), true)
		resCh <- err
	}()
	<-started

	// a completion left over from an earlier action must not finish the one
	// that is running now
	base.VerifyComplete(errors.New("left over"))

	base.CaptureComplete(fpimage.New(1, 1), nil)
	test.That(t, <-resCh, test.ShouldBeNil)
}

func TestCancelOnlyCaptureActions(t *testing.T) {
	base, h := newBase(t)

	// no action at all
	base.Cancel()
	test.That(t, h.cancels, test.ShouldEqual, 0)

	started := make(chan struct{})
	h.onCapture = func() { close(started) }
	resCh := make(chan error, 1)
	go func() {
		_, err := base.Capture(context.Background(), true)
		resCh <- err
	}()
	<-started

	base.Cancel()
	err := <-resCh
	test.That(t, h.cancels, test.ShouldEqual, 1)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestContextCancellation(t *testing.T) {
	base, h := newBase(t)
	started := make(chan struct{})
	h.onCapture = func() { close(started) }

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan error, 1)
	go func() {
		_, err := base.Capture(ctx, true)
		resCh <- err
	}()
	<-started

	cancel()
	err := <-resCh
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, h.cancels, test.ShouldEqual, 1)
}

func TestCancellableContext(t *testing.T) {
	base, h := newBase(t)
	var actionCtx context.Context
	h.onCapture = func() {
		actionCtx = base.Cancellable()
		base.CaptureComplete(fpimage.New(1, 1), nil)
	}

	img, err := base.Capture(context.Background(), true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img, test.ShouldNotBeNil)
	// the per-action context ends with the action
	test.That(t, actionCtx.Err(), test.ShouldNotBeNil)
	test.That(t, base.Cancellable().Err(), test.ShouldBeNil)
}
