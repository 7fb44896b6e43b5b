package driver

import (
	"context"
	"fmt"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/verasense/fpdev/config"
	"github.com/verasense/fpdev/device"
	"github.com/verasense/fpdev/fprint"
)

func fakeRegistration(id string) Registration {
	return Registration{
		Descriptor: Descriptor{
			ID:       id,
			FullName: "Fake Reader",
			Type:     TypeUSB,
			IDTable:  []IDEntry{{Vendor: 0x1234, Product: 0x5678}},
		},
		Constructor: func(ctx context.Context, loc Location, attrs config.AttributeMap, matcher fprint.Matcher, logger golog.Logger) (device.Device, error) {
			return nil, nil
		},
	}
}

func TestRegister(t *testing.T) {
	reg := fakeRegistration("regtest")
	Register(reg)

	got, ok := Lookup("regtest")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.Descriptor.FullName, test.ShouldEqual, "Fake Reader")

	_, ok = Lookup("no-such-driver")
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, func() { Register(reg) }, test.ShouldPanic)
	test.That(t, func() { Register(Registration{}) }, test.ShouldPanic)

	missingTable := fakeRegistration("regtest-no-table")
	missingTable.Descriptor.IDTable = nil
	test.That(t, func() { Register(missingTable) }, test.ShouldPanic)
}

func TestAllSorted(t *testing.T) {
	for _, id := range []string{"sorttest-c", "sorttest-a", "sorttest-b"} {
		Register(fakeRegistration(id))
	}
	var ids []string
	for _, reg := range All() {
		if len(reg.Descriptor.ID) >= 8 && reg.Descriptor.ID[:8] == "sorttest" {
			ids = append(ids, reg.Descriptor.ID)
		}
	}
	test.That(t, ids, test.ShouldResemble, []string{"sorttest-a", "sorttest-b", "sorttest-c"})
}

func TestRegisterPlugin(t *testing.T) {
	t.Run("version gate", func(t *testing.T) {
		for i, tc := range []struct {
			version string
			ok      bool
		}{
			{PluginAPIVersion, true},
			{"1.0.0-rc1", true},
			{"2.0.0", false},
			{"1.99.0", false},
			{"garbage", false},
		} {
			p := Plugin{
				Name:       fmt.Sprintf("plugintest-%d", i),
				APIVersion: tc.version,
				Drivers:    []Registration{fakeRegistration(fmt.Sprintf("plugintest-drv-%d", i))},
			}
			err := RegisterPlugin(p)
			if tc.ok {
				test.That(t, err, test.ShouldBeNil)
			} else {
				test.That(t, err, test.ShouldNotBeNil)
			}
		}
	})

	t.Run("duplicate rejected atomically", func(t *testing.T) {
		Register(fakeRegistration("plugintest-existing"))
		p := Plugin{
			Name:       "plugintest-dup",
			APIVersion: PluginAPIVersion,
			Drivers: []Registration{
				fakeRegistration("plugintest-fresh"),
				fakeRegistration("plugintest-existing"),
			},
		}
		err := RegisterPlugin(p)
		test.That(t, err, test.ShouldNotBeNil)
		// the non-conflicting driver must not have been registered either
		_, ok := Lookup("plugintest-fresh")
		test.That(t, ok, test.ShouldBeFalse)
	})

	t.Run("empty plugin", func(t *testing.T) {
		err := RegisterPlugin(Plugin{Name: "plugintest-empty", APIVersion: PluginAPIVersion})
		test.That(t, err, test.ShouldNotBeNil)
	})
}
