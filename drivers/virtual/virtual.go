// Package virtual implements a socket-fed image device used to exercise the
// capture pipeline without hardware. A client connects to a unix socket and
// writes images programmatically; negative headers inject finger reports,
// retries and session errors.
package virtual

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/verasense/fpdev/config"
	"github.com/verasense/fpdev/device"
	"github.com/verasense/fpdev/driver"
	"github.com/verasense/fpdev/fpimage"
	"github.com/verasense/fpdev/fprint"
	"github.com/verasense/fpdev/imagedev"
)

// EnvVar names the environment variable that carries the socket path.
const EnvVar = "FP_VIRTUAL_IMAGE"

// maxDim rejects headers suggesting an unrealistically large image.
const maxDim = 5000

// Wire protocol: each message starts with two little-endian int32s. A
// non-negative pair is (width, height) followed by width*height gray pixels.
// Negative first words encode control messages, the second word being the
// argument.
const (
	msgRetry         = -1
	msgSessionError  = -2
	msgSetAutoFinger = -3
	msgFingerReport  = -4
)

func init() {
	driver.Register(driver.Registration{
		Descriptor: driver.Descriptor{
			ID:       "virtual_image",
			FullName: "Virtual image device for debugging",
			Type:     driver.TypeVirtual,
			IDTable: []driver.IDEntry{
				{VirtualEnv: EnvVar},
			},
			ScanType:       device.ScanTypePress,
			NrEnrollStages: imagedev.EnrollStages,
			Features:       driver.FeatureCapture | driver.FeatureVerify | driver.FeatureIdentify,
		},
		Constructor: func(
			ctx context.Context,
			loc driver.Location,
			attrs config.AttributeMap,
			matcher fprint.Matcher,
			logger golog.Logger,
		) (device.Device, error) {
			return New(loc.VirtualAddr, matcher, logger), nil
		},
	})
}

type virtualImage struct {
	addr   string
	logger golog.Logger

	mu                      sync.Mutex
	listener                net.Listener
	conn                    net.Conn
	automaticFinger         bool
	cancelCtx               context.Context
	cancelFunc              context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// New constructs a virtual device listening on the given unix socket path.
func New(addr string, matcher fprint.Matcher, logger golog.Logger) device.Device {
	drv := &virtualImage{addr: addr, logger: logger}
	base := device.NewBase("Virtual image device for debugging", "virtual_image",
		device.ScanTypePress, matcher, logger)
	return imagedev.New(base, drv)
}

func (v *virtualImage) Open(d *imagedev.Device) {
	// remove any left over socket
	_ = os.Remove(v.addr)

	listener, err := net.Listen("unix", v.addr)
	if err != nil {
		d.OpenComplete(errors.Wrap(err, "could not listen on unix socket"))
		return
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	v.mu.Lock()
	v.listener = listener
	v.cancelCtx = cancelCtx
	v.cancelFunc = cancelFunc
	v.mu.Unlock()

	v.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		v.acceptLoop(d, listener, cancelCtx)
	}, v.activeBackgroundWorkers.Done)

	d.OpenComplete(nil)
}

func (v *virtualImage) Close(d *imagedev.Device) {
	v.mu.Lock()
	cancelFunc := v.cancelFunc
	listener := v.listener
	conn := v.conn
	v.listener = nil
	v.conn = nil
	v.cancelFunc = nil
	v.mu.Unlock()

	if cancelFunc != nil {
		cancelFunc()
	}
	if listener != nil {
		_ = listener.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	v.activeBackgroundWorkers.Wait()
	_ = os.Remove(v.addr)
	d.CloseComplete(nil)
}

func (v *virtualImage) acceptLoop(d *imagedev.Device, listener net.Listener, cancelCtx context.Context) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if cancelCtx.Err() != nil {
				return
			}
			v.logger.Warnw("error accepting a new connection", "error", err)
			continue
		}

		v.mu.Lock()
		if v.conn != nil {
			// one client at a time; late arrivals are disconnected
			v.mu.Unlock()
			_ = conn.Close()
			continue
		}
		v.conn = conn
		v.automaticFinger = true
		v.mu.Unlock()

		v.logger.Debug("got a new connection")
		v.activeBackgroundWorkers.Add(1)
		goutils.ManagedGo(func() {
			v.serve(d, conn, cancelCtx)
		}, v.activeBackgroundWorkers.Done)
	}
}

func (v *virtualImage) dropConn(conn net.Conn) {
	v.mu.Lock()
	if v.conn == conn {
		v.conn = nil
	}
	v.mu.Unlock()
	_ = conn.Close()
}

func (v *virtualImage) serve(d *imagedev.Device, conn net.Conn, cancelCtx context.Context) {
	defer v.dropConn(conn)

	var hdr [2]int32
	for {
		if err := binary.Read(conn, binary.LittleEndian, &hdr); err != nil {
			if cancelCtx.Err() == nil && !errors.Is(err, io.EOF) {
				v.logger.Warnw("error receiving header for image data", "error", err)
			}
			return
		}

		if hdr[0] < 0 || hdr[1] < 0 {
			if !v.handleControl(d, hdr[0], hdr[1]) {
				return
			}
			continue
		}
		if hdr[0] > maxDim || hdr[1] > maxDim {
			v.logger.Warn("image header suggests an unrealistically large image, disconnecting client")
			return
		}

		img := fpimage.New(int(hdr[0]), int(hdr[1]))
		if _, err := io.ReadFull(conn, img.Data); err != nil {
			if cancelCtx.Err() == nil {
				v.logger.Warnw("error receiving image data", "error", err)
			}
			return
		}

		v.mu.Lock()
		auto := v.automaticFinger
		v.mu.Unlock()

		if auto {
			d.ReportFingerStatus(true)
		}
		d.ImageCaptured(img)
		if auto {
			d.ReportFingerStatus(false)
		}
	}
}

// handleControl processes a negative header. It returns false when the
// client must be disconnected.
func (v *virtualImage) handleControl(d *imagedev.Device, code, arg int32) bool {
	switch code {
	case msgRetry:
		d.RetryScan(retryReason(arg))
	case msgSessionError:
		d.SessionError(errors.Errorf("virtual device session error %d", arg))
	case msgSetAutoFinger:
		v.mu.Lock()
		v.automaticFinger = arg != 0
		v.mu.Unlock()
	case msgFingerReport:
		d.ReportFingerStatus(arg != 0)
	default:
		// disconnect the client, it didn't play fair
		return false
	}
	return true
}

// retryReason maps the wire encoding of retry reasons. The numbering is the
// client-facing protocol and is independent of the internal enum.
func retryReason(arg int32) device.RetryReason {
	switch arg {
	case 1:
		return device.RetryTooShort
	case 2:
		return device.RetryCenterFinger
	case 3:
		return device.RetryRemoveFinger
	default:
		return device.RetryGeneral
	}
}
