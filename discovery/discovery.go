// Package discovery locates attached fingerprint readers by matching the
// driver registry's id tables against the buses a reader can appear on:
// USB enumeration, spidev ports for udev-typed drivers, and environment
// variables for virtual devices.
package discovery

import (
	"context"
	"os"
	"strings"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"

	"github.com/verasense/fpdev/config"
	"github.com/verasense/fpdev/device"
	"github.com/verasense/fpdev/driver"
	"github.com/verasense/fpdev/fprint"
	"github.com/verasense/fpdev/spi"
	"github.com/verasense/fpdev/usb"
)

// Discovered is one located reader: the driver that claims it and where it
// was found.
type Discovered struct {
	Registration driver.Registration
	Location     driver.Location
}

// Create constructs the device. Attributes are validated through the
// driver's converter when it has one.
func (d Discovered) Create(
	ctx context.Context,
	attrs config.AttributeMap,
	matcher fprint.Matcher,
	logger golog.Logger,
) (device.Device, error) {
	if d.Registration.AttributeMapConverter != nil && len(attrs) > 0 {
		if _, err := d.Registration.AttributeMapConverter(attrs); err != nil {
			return nil, err
		}
	}
	return d.Registration.Constructor(ctx, d.Location, attrs, matcher, logger)
}

// Scan walks every registered driver's id table and returns the readers
// currently attached. Bus scan failures are combined into the returned
// error; devices found on other buses are still returned alongside it.
func Scan(ctx context.Context, logger golog.Logger) ([]Discovered, error) {
	regs := driver.All()

	var found []Discovered
	var errs error

	byID := map[usb.Identifier]driver.Registration{}
	for _, reg := range regs {
		if reg.Descriptor.Type != driver.TypeUSB {
			continue
		}
		for _, entry := range reg.Descriptor.IDTable {
			byID[usb.Identifier{Vendor: int(entry.Vendor), Product: int(entry.Product)}] = reg
		}
	}
	descs, err := usb.SearchDevices(func(vendorID, productID int) bool {
		_, ok := byID[usb.Identifier{Vendor: vendorID, Product: productID}]
		return ok
	})
	errs = multierr.Combine(errs, err)
	for _, desc := range descs {
		reg := byID[desc.ID]
		logger.Debugw("found usb reader", "driver", reg.Descriptor.ID, "path", desc.Path)
		found = append(found, Discovered{
			Registration: reg,
			Location:     driver.Location{USBPath: desc.Path},
		})
	}

	found = append(found, scanSPI(regs, logger)...)
	found = append(found, scanVirtual(regs, logger)...)
	return found, errs
}

func scanSPI(regs []driver.Registration, logger golog.Logger) []Discovered {
	var found []Discovered
	var ports []string
	portsLoaded := false
	for _, reg := range regs {
		if reg.Descriptor.Type != driver.TypeUdev {
			continue
		}
		if !portsLoaded {
			var err error
			ports, err = spi.Ports()
			if err != nil {
				// hosts without spidev support simply have no udev readers
				logger.Debugw("spi enumeration unavailable", "error", err)
				return nil
			}
			portsLoaded = true
		}
		for _, entry := range reg.Descriptor.IDTable {
			if entry.SPIAcpiID == "" {
				continue
			}
			for _, port := range ports {
				if strings.Contains(strings.ToLower(port), strings.ToLower(entry.SPIAcpiID)) {
					logger.Debugw("found spi reader", "driver", reg.Descriptor.ID, "port", port)
					found = append(found, Discovered{
						Registration: reg,
						Location:     driver.Location{SPIDev: port},
					})
				}
			}
		}
	}
	return found
}

func scanVirtual(regs []driver.Registration, logger golog.Logger) []Discovered {
	var found []Discovered
	for _, reg := range regs {
		if reg.Descriptor.Type != driver.TypeVirtual {
			continue
		}
		for _, entry := range reg.Descriptor.IDTable {
			if entry.VirtualEnv == "" {
				continue
			}
			addr := os.Getenv(entry.VirtualEnv)
			if addr == "" {
				continue
			}
			logger.Debugw("found virtual reader", "driver", reg.Descriptor.ID, "addr", addr)
			found = append(found, Discovered{
				Registration: reg,
				Location:     driver.Location{VirtualAddr: addr},
			})
		}
	}
	return found
}
