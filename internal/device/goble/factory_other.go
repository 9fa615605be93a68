//go:build !linux && !darwin

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/blegate/internal/device"
)

var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("%w: go-ble does not support %s", device.ErrBackendUnavailable, runtime.GOOS)
}
