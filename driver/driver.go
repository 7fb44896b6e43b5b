// Package driver describes fingerprint device drivers: what hardware they
// match, how devices are constructed, and the global driver registry.
package driver

import (
	"context"

	"github.com/edaniels/golog"

	"github.com/verasense/fpdev/config"
	"github.com/verasense/fpdev/device"
	"github.com/verasense/fpdev/fprint"
)

// Type says which bus discovery mechanism locates a driver's devices.
type Type int

// Driver types.
const (
	// TypeVirtual devices attach through an environment variable naming a
	// socket, for development and CI.
	TypeVirtual Type = iota
	// TypeUSB devices are enumerated on the USB bus by vendor/product id.
	TypeUSB
	// TypeUdev devices need platform data (SPI device nodes, HID ids)
	// normally delivered through udev.
	TypeUdev
)

func (t Type) String() string {
	switch t {
	case TypeUSB:
		return "usb"
	case TypeUdev:
		return "udev"
	default:
		return "virtual"
	}
}

// Feature flags advertise optional driver capabilities.
type Feature uint32

// Driver features.
const (
	FeatureCapture Feature = 1 << iota
	FeatureIdentify
	FeatureVerify
	FeatureStorage
)

// Has reports whether all bits of want are set.
func (f Feature) Has(want Feature) bool { return f&want == want }

// IDEntry matches one piece of hardware a driver supports. USB entries fill
// Vendor/Product; udev entries fill the SPI and/or HID fields; virtual
// entries name the environment variable carrying the socket address.
type IDEntry struct {
	Vendor  uint16
	Product uint16

	SPIAcpiID  string
	HIDVendor  uint16
	HIDProduct uint16

	VirtualEnv string
}

// Location says where discovery found a matching device.
type Location struct {
	// USBPath is the usbfs node, e.g. /dev/bus/usb/001/004.
	USBPath string
	// SPIDev is the spidev port name for udev-typed drivers.
	SPIDev string
	// VirtualAddr is the socket address read from the id entry's
	// environment variable.
	VirtualAddr string
}

// Descriptor is the static half of a driver registration.
type Descriptor struct {
	// ID is the short unique driver name, e.g. "aes3500".
	ID string
	// FullName is the human readable device family name.
	FullName string
	Type     Type
	IDTable  []IDEntry

	ScanType       device.ScanType
	NrEnrollStages int
	Features       Feature
}

// CreateDevice constructs a device at the given location. The matcher is
// the scoring oracle devices run verification through. The returned device
// is not yet open.
type CreateDevice func(ctx context.Context, loc Location, attrs config.AttributeMap, matcher fprint.Matcher, logger golog.Logger) (device.Device, error)

// AttributeMapConverter converts raw configuration attributes into the
// driver's typed config, validating along the way.
type AttributeMapConverter func(attrs config.AttributeMap) (interface{}, error)

// Registration ties a descriptor to its constructor.
type Registration struct {
	Descriptor  Descriptor
	Constructor CreateDevice
	// AttributeMapConverter may be nil for drivers without attributes.
	AttributeMapConverter AttributeMapConverter
}
