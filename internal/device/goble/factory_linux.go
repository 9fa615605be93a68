//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory opens the default HCI adapter.
// This is a variable so that it can be overridden in tests.
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}
