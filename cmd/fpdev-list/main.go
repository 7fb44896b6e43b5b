// fpdev-list prints the devices supported by the registered drivers, split
// by the bus they attach through.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/verasense/fpdev/driver"

	_ "github.com/verasense/fpdev/drivers/aes3500"
	_ "github.com/verasense/fpdev/drivers/virtual"
)

func main() {
	app := &cli.App{
		Name:   "fpdev-list",
		Usage:  "list devices supported by the registered fingerprint drivers",
		Writer: os.Stdout,
		Action: func(c *cli.Context) error {
			return printSupported(c.App.Writer)
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printSupported(w io.Writer) error {
	type usbRow struct {
		id     string
		driver string
	}
	type spiRow struct {
		acpi   string
		hid    string
		driver string
	}
	var usbRows []usbRow
	var spiRows []spiRow
	seen := map[string]bool{}

	for _, reg := range driver.All() {
		desc := reg.Descriptor
		switch desc.Type {
		case driver.TypeUSB:
			for _, entry := range desc.IDTable {
				key := fmt.Sprintf("%04x:%04x", entry.Vendor, entry.Product)
				if seen[key] {
					continue
				}
				seen[key] = true
				usbRows = append(usbRows, usbRow{id: key, driver: desc.FullName})
			}
		case driver.TypeUdev:
			for _, entry := range desc.IDTable {
				if entry.SPIAcpiID == "" {
					continue
				}
				key := fmt.Sprintf("spi:%s:%04x:%04x", entry.SPIAcpiID, entry.HIDVendor, entry.HIDProduct)
				if seen[key] {
					continue
				}
				seen[key] = true
				hid := "-"
				if entry.HIDVendor != 0 || entry.HIDProduct != 0 {
					hid = fmt.Sprintf("%04x:%04x", entry.HIDVendor, entry.HIDProduct)
				}
				spiRows = append(spiRows, spiRow{acpi: entry.SPIAcpiID, hid: hid, driver: desc.FullName})
			}
		case driver.TypeVirtual:
			// development-only devices have no hardware presence to list
		}
	}

	sort.Slice(usbRows, func(i, j int) bool { return usbRows[i].id < usbRows[j].id })
	sort.Slice(spiRows, func(i, j int) bool { return spiRows[i].acpi < spiRows[j].acpi })

	fmt.Fprintln(w, "Supported USB devices:")
	usbTable := table.NewWriter()
	usbTable.SetOutputMirror(w)
	usbTable.AppendHeader(table.Row{"USB ID", "Driver"})
	for _, row := range usbRows {
		usbTable.AppendRow(table.Row{row.id, row.driver})
	}
	usbTable.Render()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Supported SPI devices:")
	spiTable := table.NewWriter()
	spiTable.SetOutputMirror(w)
	spiTable.AppendHeader(table.Row{"ACPI ID", "HID ID", "Driver"})
	for _, row := range spiRows {
		spiTable.AppendRow(table.Row{row.acpi, row.hid, row.driver})
	}
	spiTable.Render()
	return nil
}
