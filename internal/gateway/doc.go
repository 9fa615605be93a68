// Package gateway is the device-session concurrency manager.
//
// A Controller owns the configuration snapshot and the lifecycle of three periodic loops:
//   - the scan loop discovers the target peripheral and connects it through the Registry
//   - the read loop polls the target characteristic and hands values to the active forwarder
//   - the write loop writes values obtained from a ValueProvider
//
// The Registry is the only owner of device handles. Loops address peripherals by MAC and the
// registry serializes hardware access per session.
package gateway
