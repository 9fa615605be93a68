package gateway

import "errors"

var (
	// ErrConfigUnavailable is returned by Start when the configuration cannot be loaded.
	ErrConfigUnavailable = errors.New("configuration unavailable")
	// ErrCapabilityUnavailable is returned by Start when no BLE backend can be used.
	ErrCapabilityUnavailable = errors.New("BLE capability unavailable")
	// ErrRegistryClosed is returned by Connect after the registry was closed.
	ErrRegistryClosed = errors.New("connection registry closed")
)

// ErrStopTimeout is returned by Stop when loops did not exit within the stop timeout.
var ErrStopTimeout = errors.New("loops did not stop in time")
