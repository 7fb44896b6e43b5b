//go:build !linux

package usb

import "github.com/pkg/errors"

// SearchDevices is only implemented on linux (sysfs).
func SearchDevices(includeDevice func(vendorID, productID int) bool) ([]Description, error) {
	return nil, nil
}

// Open is only implemented on linux (usbfs).
func Open(path string) (Conn, error) {
	return nil, errors.New("usb device access is only supported on linux")
}
