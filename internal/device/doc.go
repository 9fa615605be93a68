// Package device defines the capability surface the gateway needs from a Bluetooth Low Energy
// stack, independent of which native library provides it.
//
// This package provides:
//   - The Provider interface (scan, connect, read, write, disconnect) and its opaque Handle
//   - Typed connection errors (ConnectionError with NotConnected/AlreadyConnected/Unreachable/TimedOut)
//   - IOError and NotFoundError for characteristic operations
//   - UUID and MAC address normalization shared by all backends
//
// Concrete backends live in the goble and tinygo subpackages and are selected by devicefactory.
package device
