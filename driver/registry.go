package driver

import (
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// PluginAPIVersion is the driver plugin interface version this build of the
// library speaks. Plugins declare the version they were written against and
// are rejected on a major mismatch.
const PluginAPIVersion = "1.0.0"

var (
	registryMu sync.RWMutex
	registry   = map[string]Registration{}
)

// Register adds a driver to the global registry. It is expected to be
// called from an init function and panics on a duplicate or invalid
// registration.
func Register(reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if reg.Descriptor.ID == "" {
		panic(errors.New("driver registration must have an id"))
	}
	if reg.Constructor == nil {
		panic(errors.Errorf("driver %q registration must have a constructor", reg.Descriptor.ID))
	}
	if len(reg.Descriptor.IDTable) == 0 {
		panic(errors.Errorf("driver %q registration must have an id table", reg.Descriptor.ID))
	}
	if _, ok := registry[reg.Descriptor.ID]; ok {
		panic(errors.Errorf("trying to register two drivers with the same id %q", reg.Descriptor.ID))
	}
	registry[reg.Descriptor.ID] = reg
}

// Lookup returns the registration for the given driver id, if it exists.
func Lookup(id string) (Registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[id]
	return reg, ok
}

// All returns every registration, ordered by driver id.
func All() []Registration {
	registryMu.RLock()
	defer registryMu.RUnlock()
	regs := make([]Registration, 0, len(registry))
	for _, reg := range registry {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].Descriptor.ID < regs[j].Descriptor.ID
	})
	return regs
}

// Plugin is a set of externally built drivers registered as a unit. Plugins
// declare their drivers explicitly; there is no symbol scanning.
type Plugin struct {
	// Name identifies the plugin in errors and listings.
	Name string
	// APIVersion is the PluginAPIVersion the plugin was written against.
	APIVersion string
	Drivers    []Registration
}

// RegisterPlugin validates a plugin's declared interface version and
// registers its drivers. Unlike Register it returns errors, since plugin
// loading happens at runtime rather than init time.
func RegisterPlugin(p Plugin) error {
	if p.Name == "" {
		return errors.New("plugin must have a name")
	}
	declared, err := semver.NewVersion(p.APIVersion)
	if err != nil {
		return errors.Wrapf(err, "plugin %q declares an invalid api version %q", p.Name, p.APIVersion)
	}
	supported := semver.MustParse(PluginAPIVersion)
	if declared.Major() != supported.Major() || declared.GreaterThan(supported) {
		return errors.Errorf("plugin %q requires api version %s but this library provides %s",
			p.Name, p.APIVersion, PluginAPIVersion)
	}
	if len(p.Drivers) == 0 {
		return errors.Errorf("plugin %q registers no drivers", p.Name)
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	for _, reg := range p.Drivers {
		if reg.Descriptor.ID == "" || reg.Constructor == nil {
			return errors.Errorf("plugin %q has an incomplete driver registration", p.Name)
		}
		if _, ok := registry[reg.Descriptor.ID]; ok {
			return errors.Errorf("plugin %q redeclares driver %q", p.Name, reg.Descriptor.ID)
		}
	}
	for _, reg := range p.Drivers {
		registry[reg.Descriptor.ID] = reg
	}
	return nil
}
