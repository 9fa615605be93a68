// Package devicefactory selects the BLE backend the gateway runs on.
package devicefactory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegate/internal/device"
	"github.com/srg/blegate/internal/device/goble"
	"github.com/srg/blegate/internal/device/tinygo"
)

// Default is the backend used when none is named.
const Default = goble.Name

// Backends maps backend names to constructors.
// This is a variable so that it can be overridden in tests.
var Backends = map[string]func(logger *logrus.Logger) device.Provider{
	goble.Name:  func(logger *logrus.Logger) device.Provider { return goble.New(logger) },
	tinygo.Name: func(logger *logrus.Logger) device.Provider { return tinygo.New(logger) },
}

// New returns the provider registered under name. The provider is not opened.
func New(name string, logger *logrus.Logger) (device.Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = Default
	}
	ctor, ok := Backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q (available: %s)",
			device.ErrBackendUnavailable, name, strings.Join(Names(), ", "))
	}
	return ctor(logger), nil
}

// Names lists the registered backends in sorted order.
func Names() []string {
	names := make([]string, 0, len(Backends))
	for name := range Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
