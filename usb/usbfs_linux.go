//go:build linux

package usb

import (
	"context"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// usbfs ioctl numbers, from the kernel's usbdevice_fs.h (64-bit layout).
const (
	ioctlUsbdevfsControl          = 0xc0185500
	ioctlUsbdevfsBulk             = 0xc0185502
	ioctlUsbdevfsClaimInterface   = 0x8004550f
	ioctlUsbdevfsReleaseInterface = 0x80045510
)

// pollTimeoutMS bounds each blocking usbfs ioctl so a cancelled context is
// observed between attempts rather than after the device produces data.
const pollTimeoutMS = 100

// kernel struct usbdevfs_ctrltransfer layout.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32
	_           uint32
	data        unsafe.Pointer
}

// kernel struct usbdevfs_bulktransfer layout.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32
	_        uint32
	data     unsafe.Pointer
}

type usbfsConn struct {
	f     *os.File
	iface uint32
}

// Open opens a usbfs device node and claims interface 0.
func Open(path string) (Conn, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening usb device %q", path)
	}
	c := &usbfsConn{f: f}
	if err := c.ioctl(ioctlUsbdevfsClaimInterface, unsafe.Pointer(&c.iface)); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "claiming interface on %q", path)
	}
	return c, nil
}

func (c *usbfsConn) Bulk(ctx context.Context, endpoint uint8, buf []byte) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		bulk := bulkTransfer{
			endpoint: uint32(endpoint),
			length:   uint32(len(buf)),
			timeout:  pollTimeoutMS,
		}
		if len(buf) > 0 {
			bulk.data = unsafe.Pointer(&buf[0])
		}
		n, err := c.ioctlRet(ioctlUsbdevfsBulk, unsafe.Pointer(&bulk))
		if errors.Is(err, unix.ETIMEDOUT) {
			continue
		}
		if err != nil {
			return 0, errors.Wrap(err, "bulk transfer")
		}
		return n, nil
	}
}

func (c *usbfsConn) Control(ctx context.Context, req ControlRequest, buf []byte) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		ctrl := ctrlTransfer{
			requestType: req.RequestType,
			request:     req.Request,
			value:       req.Value,
			index:       req.Index,
			length:      uint16(len(buf)),
			timeout:     pollTimeoutMS,
		}
		if len(buf) > 0 {
			ctrl.data = unsafe.Pointer(&buf[0])
		}
		n, err := c.ioctlRet(ioctlUsbdevfsControl, unsafe.Pointer(&ctrl))
		if errors.Is(err, unix.ETIMEDOUT) {
			continue
		}
		if err != nil {
			return 0, errors.Wrap(err, "control transfer")
		}
		return n, nil
	}
}

func (c *usbfsConn) Close() error {
	releaseErr := c.ioctl(ioctlUsbdevfsReleaseInterface, unsafe.Pointer(&c.iface))
	if err := c.f.Close(); err != nil {
		return err
	}
	return releaseErr
}

func (c *usbfsConn) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, err := c.ioctlRet(req, arg)
	return err
}

func (c *usbfsConn) ioctlRet(req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, c.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}
