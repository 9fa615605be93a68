package config

import (
	"encoding/hex"
	"maps"
	"reflect"
	"time"
)

// OperationMode selects which periodic loops run against the target characteristic
type OperationMode string

const (
	ModeRead       OperationMode = "read"
	ModeWrite      OperationMode = "write"
	ModeReadWrite  OperationMode = "read_write"
	ModeReadNotify OperationMode = "read_notify"
)

// ForwarderType selects the outbound transport
type ForwarderType string

const (
	ForwarderQueue   ForwarderType = "queue"
	ForwarderWebhook ForwarderType = "webhook"
)

// Snapshot is an immutable, point-in-time view of the desired gateway behavior.
// A new Snapshot is built on every reload; fields are never mutated after Parse.
type Snapshot struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	TargetMAC        string `json:"target_mac" yaml:"target_mac"`
	ServiceID        string `json:"service_id" yaml:"service_id"`
	CharacteristicID string `json:"characteristic_id" yaml:"characteristic_id"`

	ScanIntervalMs  int `json:"scan_interval_ms" yaml:"scan_interval_ms" default:"10000"`
	ReadIntervalMs  int `json:"read_interval_ms" yaml:"read_interval_ms" default:"1000"`
	WriteIntervalMs int `json:"write_interval_ms" yaml:"write_interval_ms" default:"1000"`

	OperationMode OperationMode `json:"operation_mode" yaml:"operation_mode" default:"read"`
	AutoReconnect bool          `json:"auto_reconnect" yaml:"auto_reconnect"`

	ForwarderType   ForwarderType  `json:"forwarder_type" yaml:"forwarder_type" default:"queue"`
	ForwarderParams map[string]any `json:"forwarder_params" yaml:"forwarder_params"`

	ScanTimeoutMs    int `json:"scan_timeout_ms" yaml:"scan_timeout_ms" default:"5000"`
	ScanBackoffMs    int `json:"scan_backoff_ms" yaml:"scan_backoff_ms" default:"5000"`
	ConnectTimeoutMs int `json:"connect_timeout_ms" yaml:"connect_timeout_ms" default:"30000"`
	IOTimeoutMs      int `json:"io_timeout_ms" yaml:"io_timeout_ms" default:"5000"`
	SendTimeoutMs    int `json:"send_timeout_ms" yaml:"send_timeout_ms" default:"10000"`

	// WriteValue is the hex payload used by the default write value provider.
	WriteValue string `json:"write_value" yaml:"write_value"`
}

// HasTarget reports whether the device and characteristic identifiers are all set.
func (s *Snapshot) HasTarget() bool {
	return s.TargetMAC != "" && s.ServiceID != "" && s.CharacteristicID != ""
}

// ReadsEnabled reports whether the operation mode includes the read loop.
func (s *Snapshot) ReadsEnabled() bool {
	switch s.OperationMode {
	case ModeRead, ModeReadWrite, ModeReadNotify:
		return true
	}
	return false
}

// WritesEnabled reports whether the operation mode includes the write loop.
func (s *Snapshot) WritesEnabled() bool {
	return s.OperationMode == ModeWrite || s.OperationMode == ModeReadWrite
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (s *Snapshot) ScanInterval() time.Duration   { return ms(s.ScanIntervalMs) }
func (s *Snapshot) ReadInterval() time.Duration   { return ms(s.ReadIntervalMs) }
func (s *Snapshot) WriteInterval() time.Duration  { return ms(s.WriteIntervalMs) }
func (s *Snapshot) ScanBackoff() time.Duration    { return ms(s.ScanBackoffMs) }
func (s *Snapshot) ConnectTimeout() time.Duration { return ms(s.ConnectTimeoutMs) }
func (s *Snapshot) IOTimeout() time.Duration      { return ms(s.IOTimeoutMs) }
func (s *Snapshot) SendTimeout() time.Duration    { return ms(s.SendTimeoutMs) }

// ScanWindow is the duration of one scan: scan_timeout_ms capped by scan_interval_ms.
func (s *Snapshot) ScanWindow() time.Duration {
	return min(ms(s.ScanTimeoutMs), ms(s.ScanIntervalMs))
}

// WriteBytes decodes WriteValue. Parse has already validated it.
func (s *Snapshot) WriteBytes() []byte {
	b, _ := hex.DecodeString(s.WriteValue)
	return b
}

// Params returns a copy of the forwarder parameters.
func (s *Snapshot) Params() map[string]any {
	return maps.Clone(s.ForwarderParams)
}

// SameForwarder reports whether two snapshots describe the same forwarder.
func (s *Snapshot) SameForwarder(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.ForwarderType == other.ForwarderType && reflect.DeepEqual(s.ForwarderParams, other.ForwarderParams)
}
