//go:build linux

package usb

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const sysPath = "/sys/bus/usb/devices"

// SearchDevices scans sysfs for USB devices accepted by includeDevice and
// returns their identities along with usbfs node paths.
func SearchDevices(includeDevice func(vendorID, productID int) bool) ([]Description, error) {
	devicesDir, err := os.Open(sysPath)
	if err != nil {
		return nil, nil
	}
	defer devicesDir.Close()
	devices, err := devicesDir.Readdir(0)
	if err != nil {
		return nil, nil
	}
	var results []Description
	for _, device := range devices {
		// interface nodes carry a colon (1-3:1.0); we only want devices
		if strings.ContainsRune(device.Name(), ':') {
			continue
		}
		devDir := filepath.Join(sysPath, device.Name())
		vendorID, ok := readHexAttr(devDir, "idVendor")
		if !ok {
			continue
		}
		productID, ok := readHexAttr(devDir, "idProduct")
		if !ok {
			continue
		}
		if includeDevice != nil && !includeDevice(vendorID, productID) {
			continue
		}
		busNum, ok := readDecAttr(devDir, "busnum")
		if !ok {
			continue
		}
		devNum, ok := readDecAttr(devDir, "devnum")
		if !ok {
			continue
		}
		results = append(results, Description{
			ID:   Identifier{Vendor: vendorID, Product: productID},
			Path: fmt.Sprintf("/dev/bus/usb/%03d/%03d", busNum, devNum),
		})
	}
	return results, nil
}

func readHexAttr(dir, name string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 16, 64)
	if err != nil {
		return 0, false
	}
	return int(v), true
}

func readDecAttr(dir, name string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return int(v), true
}
