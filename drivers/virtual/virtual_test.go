package virtual

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/verasense/fpdev/device"
	"github.com/verasense/fpdev/fpimage"
	"github.com/verasense/fpdev/fprint"
	"github.com/verasense/fpdev/imagedev"
)

type fakeMatcher struct {
	score int
}

func (m *fakeMatcher) Detect(ctx context.Context, img *fpimage.Image) (*fprint.Print, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fprint.NewFromTemplate("virtual_image", img.Data[:4]), nil
}

func (m *fakeMatcher) Score(ctx context.Context, enrolled, candidate *fprint.Print) (int, error) {
	return m.score, nil
}

func setupDevice(t *testing.T, matcher fprint.Matcher) (device.Device, net.Conn) {
	t.Helper()
	logger := golog.NewTestLogger(t)
	addr := filepath.Join(t.TempDir(), "virtual.sock")
	dev := New(addr, matcher, logger)
	test.That(t, dev.Open(context.Background()), test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, dev.Close(context.Background()), test.ShouldBeNil)
	})

	client, err := net.Dial("unix", addr)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { _ = client.Close() })
	return dev, client
}

func waitForState(t *testing.T, dev device.Device, want imagedev.State) {
	t.Helper()
	imgDev := dev.(*imagedev.Device)
	for i := 0; i < 1000; i++ {
		if imgDev.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	test.That(t, imgDev.State().String(), test.ShouldEqual, want.String())
}

func writeControl(t *testing.T, conn net.Conn, code, arg int32) {
	t.Helper()
	test.That(t, binary.Write(conn, binary.LittleEndian, [2]int32{code, arg}), test.ShouldBeNil)
}

func writeImage(t *testing.T, conn net.Conn, width, height int, pixel byte) {
	t.Helper()
	test.That(t, binary.Write(conn, binary.LittleEndian, [2]int32{int32(width), int32(height)}), test.ShouldBeNil)
	data := make([]byte, width*height)
	for i := range data {
		data[i] = pixel
	}
	_, err := conn.Write(data)
	test.That(t, err, test.ShouldBeNil)
}

func TestCaptureOverSocket(t *testing.T) {
	dev, client := setupDevice(t, &fakeMatcher{score: 100})

	type captureResult struct {
		img *fpimage.Image
		err error
	}
	resCh := make(chan captureResult, 1)
	go func() {
		img, err := dev.Capture(context.Background(), true)
		resCh <- captureResult{img, err}
	}()

	waitForState(t, dev, imagedev.StateAwaitFingerOn)
	writeImage(t, client, 32, 24, 0x80)

	res := <-resCh
	test.That(t, res.err, test.ShouldBeNil)
	test.That(t, res.img.Width, test.ShouldEqual, 32)
	test.That(t, res.img.Height, test.ShouldEqual, 24)
	test.That(t, res.img.Data[0], test.ShouldEqual, byte(0x80))
}

func TestEnrollWithRetryAndFingerReports(t *testing.T) {
	dev, client := setupDevice(t, &fakeMatcher{score: 100})

	type progress struct {
		stage int
		err   error
	}
	progressCh := make(chan progress, dev.NrEnrollStages()+1)
	type enrollResult struct {
		print *fprint.Print
		err   error
	}
	resCh := make(chan enrollResult, 1)
	go func() {
		p, err := dev.Enroll(context.Background(), func(stage int, sample *fprint.Print, err error) {
			progressCh <- progress{stage, err}
		})
		resCh <- enrollResult{p, err}
	}()

	// a retry before the first sample; the explicit finger-off report moves
	// the device back to waiting for a finger
	waitForState(t, dev, imagedev.StateAwaitFingerOn)
	writeControl(t, client, msgRetry, 1)
	p := <-progressCh
	test.That(t, p.stage, test.ShouldEqual, 0)
	test.That(t, device.IsRetry(p.err), test.ShouldBeTrue)
	var re *device.RetryError
	test.That(t, errors.As(p.err, &re), test.ShouldBeTrue)
	test.That(t, re.Reason, test.ShouldEqual, device.RetryTooShort)
	writeControl(t, client, msgFingerReport, 0)

	for stage := 1; stage <= dev.NrEnrollStages(); stage++ {
		waitForState(t, dev, imagedev.StateAwaitFingerOn)
		writeImage(t, client, 16, 16, byte(stage))
		p := <-progressCh
		test.That(t, p.stage, test.ShouldEqual, stage)
		test.That(t, p.err, test.ShouldBeNil)
	}

	res := <-resCh
	test.That(t, res.err, test.ShouldBeNil)
	test.That(t, len(res.print.Templates()), test.ShouldEqual, dev.NrEnrollStages())
}

func TestVerifyOverSocket(t *testing.T) {
	matcher := &fakeMatcher{score: fprint.DefaultMatchThreshold + 5}
	dev, client := setupDevice(t, matcher)
	enrolled := fprint.NewFromTemplate("virtual_image", []byte("enrolled"))

	type verifyResult struct {
		result fprint.MatchResult
		err    error
	}
	resCh := make(chan verifyResult, 1)
	go func() {
		result, _, err := dev.Verify(context.Background(), enrolled)
		resCh <- verifyResult{result, err}
	}()

	waitForState(t, dev, imagedev.StateAwaitFingerOn)
	writeImage(t, client, 16, 16, 0x42)

	res := <-resCh
	test.That(t, res.err, test.ShouldBeNil)
	test.That(t, res.result, test.ShouldEqual, fprint.MatchSuccess)
}

func TestSessionErrorOverSocket(t *testing.T) {
	dev, client := setupDevice(t, &fakeMatcher{score: 100})

	resCh := make(chan error, 1)
	go func() {
		_, _, err := dev.Verify(context.Background(), fprint.NewFromTemplate("virtual_image", []byte("x")))
		resCh <- err
	}()

	waitForState(t, dev, imagedev.StateAwaitFingerOn)
	writeControl(t, client, msgSessionError, 5)

	err := <-resCh
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, device.IsRetry(err), test.ShouldBeFalse)
}

func TestManualFingerControl(t *testing.T) {
	dev, client := setupDevice(t, &fakeMatcher{score: 100})

	type captureResult struct {
		img *fpimage.Image
		err error
	}
	resCh := make(chan captureResult, 1)
	go func() {
		img, err := dev.Capture(context.Background(), true)
		resCh <- captureResult{img, err}
	}()

	waitForState(t, dev, imagedev.StateAwaitFingerOn)
	writeControl(t, client, msgSetAutoFinger, 0)
	writeControl(t, client, msgFingerReport, 1)
	waitForState(t, dev, imagedev.StateCapture)
	writeImage(t, client, 8, 8, 0x11)

	res := <-resCh
	test.That(t, res.err, test.ShouldBeNil)
	test.That(t, res.img.Data[0], test.ShouldEqual, byte(0x11))
}
