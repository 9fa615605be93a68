package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a GATT resource is not found on a connected peripheral
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	Unreachable      ConnectionState = "unreachable"
	TimedOut         ConnectionState = "timeout"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrUnreachable      = &ConnectionError{State: Unreachable}
	ErrConnectTimeout   = &ConnectionError{State: TimedOut}
)

// Operation errors
var (
	ErrTimeout            = errors.New("timeout")
	ErrBackendUnavailable = errors.New("BLE backend unavailable")
	ErrBluetoothOff       = errors.New("bluetooth is turned off")
)

// IOError wraps a failed characteristic read or write
type IOError struct {
	Op             string // "read" or "write"
	Address        string
	Characteristic string
	Err            error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s on %s: %v", e.Op, e.Characteristic, e.Address, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// NormalizeError maps known backend error strings to structured ConnectionError types.
// Backends wrap their native errors with it so callers only ever inspect device errors.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "central manager has invalid state"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "adapter not powered"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"),
		containsIgnoreCase(msg, "already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}

// DiscoveredDevice is a single scan result. It is never persisted.
type DiscoveredDevice struct {
	MAC  string `json:"mac"`
	Name string `json:"name"`
	RSSI int    `json:"rssi"`
}

// Handle is an opaque connection to one peripheral. Only the backend that produced it
// knows what is behind it.
type Handle interface {
	Address() string
}

// Provider is the capability surface of a BLE stack. Implementations must honor context
// cancellation and deadlines on every blocking call.
type Provider interface {
	// Name identifies the backend in logs.
	Name() string

	// Open acquires the local adapter. It is safe to call Open on an open provider.
	Open(ctx context.Context) error
	// Close releases the adapter.
	Close() error

	// Scan listens for advertisements for at most timeout and returns one entry per address.
	Scan(ctx context.Context, timeout time.Duration) ([]DiscoveredDevice, error)
	// Connect dials the peripheral; the connect bound is taken from ctx.
	Connect(ctx context.Context, mac string) (Handle, error)
	Read(ctx context.Context, h Handle, serviceID, charID string) ([]byte, error)
	Write(ctx context.Context, h Handle, serviceID, charID string, data []byte) error
	Disconnect(h Handle) error
}
