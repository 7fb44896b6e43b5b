// Package aes3500 drives the AuthenTec AES3500 and AES4000 sensors.
//
// Both are press-typed sensors capturing 128x128 and 96x96 pixel images
// respectively, over the same interface: a number of 16 pixel high frames
// arrive in one bulk transfer and are assembled into the final image. The
// imaging area is small, so the assembled image is upscaled before matching;
// even then verification rates are poor on these parts.
package aes3500

import (
	"context"
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
	"github.com/verasense/fpdev/usb"
)

const (
	frameHeight = 16

	epIn  = 1 | usb.DirIn
	epOut = 2

	// Extremely low due to low image quality.
	defaultMatchThreshold = 9
)

// RegWrite is one register write of the sensor's activation sequence.
type RegWrite struct {
	Reg   uint8
	Value uint8
}

// Family describes one member of the AES3x00 family. The two members differ
// only in geometry, upscale factor and activation sequence.
type Family struct {
	ID       string
	FullName string
	Vendor   uint16
	Product  uint16

	FrameWidth    int
	FrameCount    int
	EnlargeFactor int
	InitSeq       []RegWrite
}

// frameSize is the packed byte size of one frame, two pixels per byte.
func (f Family) frameSize() int { return f.FrameWidth * frameHeight / 2 }

// bufLen is the size of one capture transfer: every frame is preceded by a
// single header byte.
func (f Family) bufLen() int { return f.FrameCount * (1 + f.frameSize()) }

// AES3500 captures 128x128 across 8 frames.
var AES3500 = Family{
	ID:            "aes3500",
	FullName:      "AuthenTec AES3500",
	Vendor:        0x08ff,
	Product:       0x5731,
	FrameWidth:    128,
	FrameCount:    8,
	EnlargeFactor: 2,
	InitSeq: []RegWrite{
		{0x80, 0x01},
		{0x80, 0x12},
		{0x85, 0x80},
		{0x8a, 0x00},
		{0x8b, 0x0e},
		{0x8c, 0x90},
		{0x8d, 0x83},
		{0x8e, 0x07},
		{0x91, 0x70},
		{0x92, 0x20},
		{0x81, 0x04},
	},
}

// AES4000 captures 96x96 across 6 frames.
var AES4000 = Family{
	ID:            "aes4000",
	FullName:      "AuthenTec AES4000",
	Vendor:        0x08ff,
	Product:       0x5501,
	FrameWidth:    96,
	FrameCount:    6,
	EnlargeFactor: 3,
	InitSeq: []RegWrite{
		{0x80, 0x01},
		{0x80, 0x12},
		{0x85, 0x00},
		{0x8a, 0x00},
		{0x8b, 0x0e},
		{0x8c, 0x90},
		{0x8d, 0x83},
		{0x8e, 0x07},
		{0x91, 0x70},
		{0x92, 0x20},
		{0x81, 0x04},
	},
}

// AttrConfig holds the user configurable attributes.
type AttrConfig struct {
	// MatchThreshold overrides the scoring threshold used for this device.
	MatchThreshold int `json:"match_threshold,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *AttrConfig) Validate(path string) error {
	if conf.MatchThreshold < 0 {
		return goutils.NewConfigValidationError(path, errors.New("match_threshold must be non-negative"))
	}
	return nil
}

func init() {
	for _, fam := range []Family{AES3500, AES4000} {
		fam := fam
		driver.Register(driver.Registration{
			Descriptor: driver.Descriptor{
				ID:       fam.ID,
				FullName: fam.FullName,
				Type:     driver.TypeUSB,
				IDTable: []driver.IDEntry{
					{Vendor: fam.Vendor, Product: fam.Product},
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
				return New(fam, loc.USBPath, attrs, matcher, logger)
			},
			AttributeMapConverter: func(attrs config.AttributeMap) (interface{}, error) {
				var conf AttrConfig
				if _, err := config.TransformAttributeMapToStruct(&conf, attrs); err != nil {
					return nil, err
				}
				return &conf, nil
			},
		})
	}
}

type aes3k struct {
	family Family
	path   string
	logger golog.Logger

	mu           sync.Mutex
	conn         usb.Conn
	transfer     *usb.Transfer
	deactivating bool
}

// New constructs a device for the given family member at a usbfs path.
func New(fam Family, path string, attrs config.AttributeMap, matcher fprint.Matcher, logger golog.Logger) (device.Device, error) {
	threshold := defaultMatchThreshold
	if attrs.Has("match_threshold") {
		var conf AttrConfig
		if _, err := config.TransformAttributeMapToStruct(&conf, attrs); err != nil {
			return nil, err
		}
		if err := conf.Validate(""); err != nil {
			return nil, err
		}
		if conf.MatchThreshold > 0 {
			threshold = conf.MatchThreshold
		}
	}
	drv := &aes3k{family: fam, path: path, logger: logger}
	base := device.NewBase(fam.FullName, fam.ID, device.ScanTypePress, matcher, logger)
	return imagedev.New(base, drv, imagedev.WithMatchThreshold(threshold)), nil
}

// NewWithConn constructs a device on an already opened connection, used by
// tests to substitute the transport.
func NewWithConn(fam Family, conn usb.Conn, matcher fprint.Matcher, logger golog.Logger) device.Device {
	drv := &aes3k{family: fam, conn: conn, logger: logger}
	base := device.NewBase(fam.FullName, fam.ID, device.ScanTypePress, matcher, logger)
	return imagedev.New(base, drv, imagedev.WithMatchThreshold(defaultMatchThreshold))
}

func (a *aes3k) Open(d *imagedev.Device) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		conn, err := usb.Open(a.path)
		if err != nil {
			d.OpenComplete(err)
			return
		}
		a.conn = conn
	}
	d.OpenComplete(nil)
}

func (a *aes3k) Close(d *imagedev.Device) {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn == nil {
		d.CloseComplete(nil)
		return
	}
	d.CloseComplete(conn.Close())
}

// Activate pushes the init sequence to the sensor over the OUT endpoint and
// starts the capture loop.
func (a *aes3k) Activate(d *imagedev.Device) {
	a.mu.Lock()
	a.deactivating = false
	conn := a.conn
	a.mu.Unlock()

	seq := make([]byte, 0, len(a.family.InitSeq)*2)
	for _, w := range a.family.InitSeq {
		seq = append(seq, w.Reg, w.Value)
	}
	t := usb.NewBulkTransfer(conn, epOut, len(seq))
	copy(t.Buffer, seq)
	t.Submit(d.Cancellable(), func(t *usb.Transfer, err error) {
		d.ActivateComplete(err)
		if err == nil {
			a.doCapture(d)
		}
	})
}

// Deactivate cancels the outstanding capture transfer; its completion
// callback then reports the deactivation done. Without a transfer in flight
// the deactivation completes immediately.
func (a *aes3k) Deactivate(d *imagedev.Device) {
	a.mu.Lock()
	a.deactivating = true
	t := a.transfer
	a.mu.Unlock()
	if t != nil {
		t.Cancel()
		return
	}
	d.DeactivateComplete(nil)
}

func (a *aes3k) doCapture(d *imagedev.Device) {
	a.mu.Lock()
	// the finger-off report above may have torn the session down already;
	// restarting then would leave an unowned transfer running while inactive
	if a.deactivating || a.conn == nil {
		a.mu.Unlock()
		return
	}
	conn := a.conn
	t := usb.NewBulkTransfer(conn, epIn, a.family.bufLen())
	t.ShortIsError = true
	a.transfer = t
	a.mu.Unlock()
	t.Submit(d.Cancellable(), func(t *usb.Transfer, err error) {
		a.imgCallback(d, t, err)
	})
}

func (a *aes3k) imgCallback(d *imagedev.Device, t *usb.Transfer, err error) {
	a.mu.Lock()
	a.transfer = nil
	deactivating := a.deactivating
	a.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// deactivation was completed
			if deactivating {
				d.DeactivateComplete(nil)
			}
			return
		}
		d.SessionError(err)
		return
	}

	d.ReportFingerStatus(true)

	img := fpimage.New(a.family.FrameWidth, a.family.FrameWidth)
	img.Flags = fpimage.ColorsInverted | fpimage.VFlipped | fpimage.HFlipped
	buf := t.Buffer
	fsize := a.family.frameSize()
	for i := 0; i < a.family.FrameCount; i++ {
		a.logger.Debugf("frame header byte %02x", buf[0])
		rows := img.Data[i*a.family.FrameWidth*frameHeight:]
		if err := fpimage.AssembleFrame(buf[1:1+fsize], a.family.FrameWidth, frameHeight, rows); err != nil {
			d.SessionError(err)
			return
		}
		buf = buf[1+fsize:]
	}

	// upscale so the image is big enough for the matcher to process reliably
	enlarged, err := img.Enlarge(a.family.EnlargeFactor, a.family.EnlargeFactor)
	if err != nil {
		d.SessionError(err)
		return
	}
	d.ImageCaptured(enlarged)

	// FIXME: rather than assuming the finger has gone, poll the presence
	// registers until it really has, then restart the capture
	d.ReportFingerStatus(false)

	a.doCapture(d)
}
