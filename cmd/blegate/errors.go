package main

import (
	"errors"
	"fmt"

	"github.com/srg/blegate/internal/device"
	"github.com/srg/blegate/internal/gateway"
	"github.com/srg/blegate/pkg/config"
)

// FormatUserError turns an error into a one-line message with a hint where one helps.
func FormatUserError(err error) string {
	var cfgErr *config.Error
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return fmt.Sprintf("%v (turn Bluetooth on and retry)", err)
	case errors.Is(err, gateway.ErrCapabilityUnavailable), errors.Is(err, device.ErrBackendUnavailable):
		return fmt.Sprintf("%v (check the adapter and the --backend flag)", err)
	case errors.As(err, &cfgErr):
		return fmt.Sprintf("invalid configuration: %s: %s", cfgErr.Key, cfgErr.Msg)
	case errors.Is(err, gateway.ErrConfigUnavailable):
		return fmt.Sprintf("%v (check the --config path and section)", err)
	case errors.Is(err, gateway.ErrStopTimeout):
		return fmt.Sprintf("%v (some BLE operations were still running at exit)", err)
	default:
		return err.Error()
	}
}
