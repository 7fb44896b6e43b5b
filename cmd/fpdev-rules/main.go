// fpdev-rules generates udev rules for all supported USB fingerprint
// readers, enabling USB autosuspend and tagging the nodes with the driver
// that claims them.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/verasense/fpdev/driver"

	_ "github.com/verasense/fpdev/drivers/aes3500"
	_ "github.com/verasense/fpdev/drivers/virtual"
)

type usbID struct {
	vendor  uint16
	product uint16
}

// Devices that expose a matching id but are not fingerprint readers.
var blocklist = map[usbID]bool{
	{0x0483, 0x2016}: true,
	// https://bugs.freedesktop.org/show_bug.cgi?id=66659
	{0x045e, 0x00bb}: true,
}

func main() {
	app := &cli.App{
		Name:   "fpdev-rules",
		Usage:  "generate udev rules for supported usb fingerprint readers",
		Writer: os.Stdout,
		Action: func(c *cli.Context) error {
			return printRules(c.App.Writer)
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printRules(w io.Writer) error {
	// ids can repeat across drivers; print each only once per invocation
	printed := map[usbID]bool{}
	for _, reg := range driver.All() {
		desc := reg.Descriptor
		if desc.Type != driver.TypeUSB {
			continue
		}
		numPrinted := 0
		for _, entry := range desc.IDTable {
			id := usbID{entry.Vendor, entry.Product}
			if blocklist[id] || printed[id] {
				continue
			}
			printed[id] = true

			if numPrinted == 0 {
				fmt.Fprintf(w, "# %s\n", desc.FullName)
			}
			fmt.Fprintf(w,
				"SUBSYSTEM==\"usb\", ATTRS{idVendor}==\"%04x\", ATTRS{idProduct}==\"%04x\", ATTRS{dev}==\"*\", TEST==\"power/control\", ATTR{power/control}=\"auto\"\n",
				entry.Vendor, entry.Product)
			fmt.Fprintf(w,
				"SUBSYSTEM==\"usb\", ATTRS{idVendor}==\"%04x\", ATTRS{idProduct}==\"%04x\", ENV{FPDEV_DRIVER}=\"%s\"\n",
				entry.Vendor, entry.Product, desc.FullName)
			numPrinted++
		}
		if numPrinted > 0 {
			fmt.Fprintln(w)
		}
	}
	return nil
}
