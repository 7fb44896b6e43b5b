// Package usb provides utilities for searching for and working with usb
// based fingerprint readers, including the asynchronous transfer primitive
// capture drivers are built on.
package usb

import "context"

// Description describes a specific USB device.
type Description struct {
	ID   Identifier
	Path string
}

// Identifier identifies a specific USB device by the vendor who produced it
// and the product that it is. These should be unique across products.
type Identifier struct {
	Vendor  int
	Product int
}

// DirIn marks an IN (device to host) endpoint address.
const DirIn = 0x80

// A ControlRequest describes one control transfer on endpoint zero.
type ControlRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
}

// Conn is a claimed interface on an open USB device. Implementations block
// until the transfer completes or ctx is cancelled; cancellation surfaces as
// an error matching context.Canceled.
type Conn interface {
	Bulk(ctx context.Context, endpoint uint8, buf []byte) (int, error)
	Control(ctx context.Context, req ControlRequest, buf []byte) (int, error)
	Close() error
}
