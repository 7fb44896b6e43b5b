// Package spi enumerates and opens spidev ports for udev-typed fingerprint
// drivers, which receive their bus location as platform data rather than
// through USB enumeration.
package spi

import (
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

var (
	hostInitOnce sync.Once
	hostInitErr  error
)

func ensureInit() error {
	hostInitOnce.Do(func() {
		_, hostInitErr = host.Init()
	})
	return hostInitErr
}

// Ports returns the names of the spidev ports present on this host.
func Ports() ([]string, error) {
	if err := ensureInit(); err != nil {
		return nil, errors.Wrap(err, "initializing host drivers")
	}
	refs := spireg.All()
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.Name)
	}
	return names, nil
}

// Open opens the named spidev port for a driver to use.
func Open(name string) (spi.PortCloser, error) {
	if err := ensureInit(); err != nil {
		return nil, errors.Wrap(err, "initializing host drivers")
	}
	port, err := spireg.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "opening spi port %q", name)
	}
	return port, nil
}
