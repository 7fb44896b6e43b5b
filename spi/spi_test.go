package spi

import (
	"testing"

	"go.viam.com/test"
)

func TestPorts(t *testing.T) {
	ports, err := Ports()
	if err != nil {
		// hosts without periph support simply have no spidev readers
		t.Skipf("host init unavailable: %v", err)
	}
	for _, name := range ports {
		test.That(t, name, test.ShouldNotBeEmpty)
	}
}

func TestOpenUnknownPort(t *testing.T) {
	_, err := Open("fpdev-no-such-port")
	test.That(t, err, test.ShouldNotBeNil)
}
