package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/blegate/internal/device"
)

// Keys written by the gateway configuration API that map one-to-one to snapshot keys.
var legacyKeys = map[string]string{
	"server_mac":          "target_mac",
	"service_uuid":        "service_id",
	"characteristic_uuid": "characteristic_id",
	"read_interval":       "read_interval_ms",
	"write_interval":      "write_interval_ms",
}

// Legacy keys expressed in seconds.
var legacySecondKeys = map[string]string{
	"scan_interval":      "scan_interval_ms",
	"connection_timeout": "connect_timeout_ms",
}

var legacyForwarderTypes = map[string]ForwarderType{
	"mqtt":  ForwarderQueue,
	"https": ForwarderWebhook,
}

// Flat forwarder keys are prefixed by transport: mqtt_server, https_endpoint, ...
var legacyParamPrefixes = map[ForwarderType]string{
	ForwarderQueue:   "mqtt_",
	ForwarderWebhook: "https_",
}

// Parse builds a Snapshot from a configuration mapping. Absent keys take their documented
// defaults; legacy keys are honored when the current key is absent.
func Parse(raw map[string]any) (*Snapshot, error) {
	m, err := translateLegacy(raw)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, &Error{Key: "ble", Msg: err.Error()}
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &Error{Key: typeErr.Field, Msg: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value)}
		}
		return nil, &Error{Key: "ble", Msg: err.Error()}
	}

	defaults.SetDefaults(&s)
	s.normalize()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func translateLegacy(raw map[string]any) (map[string]any, error) {
	m := maps.Clone(raw)
	if m == nil {
		m = map[string]any{}
	}

	for old, key := range legacyKeys {
		if v, ok := m[old]; ok {
			if _, exists := m[key]; !exists {
				m[key] = v
			}
			delete(m, old)
		}
	}

	for old, key := range legacySecondKeys {
		v, ok := m[old]
		if !ok {
			continue
		}
		delete(m, old)
		if _, exists := m[key]; exists {
			continue
		}
		seconds, err := toFloat(v)
		if err != nil {
			return nil, &Error{Key: old, Msg: err.Error()}
		}
		m[key] = int(seconds * 1000)
	}

	if v, ok := m["forwarder_type"].(string); ok {
		if t, legacy := legacyForwarderTypes[strings.ToLower(strings.TrimSpace(v))]; legacy {
			m["forwarder_type"] = string(t)
		}
	}

	// Flat transport keys are always stripped; they only become params when
	// forwarder_params is absent.
	_, hasParams := m["forwarder_params"]
	selected := ForwarderQueue
	if v, ok := m["forwarder_type"]; ok {
		selected = ForwarderType(strings.ToLower(strings.TrimSpace(fmt.Sprint(v))))
	}
	params := map[string]any{}
	for t, prefix := range legacyParamPrefixes {
		for k, v := range m {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			delete(m, k)
			if t != selected || hasParams {
				continue
			}
			if str, isStr := v.(string); isStr && str == "" {
				continue
			}
			params[strings.TrimPrefix(k, prefix)] = v
		}
	}
	if !hasParams && len(params) > 0 {
		m["forwarder_params"] = params
	}
	return m, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func (s *Snapshot) normalize() {
	s.TargetMAC = device.NormalizeMAC(s.TargetMAC)
	s.ServiceID = strings.TrimSpace(s.ServiceID)
	s.CharacteristicID = strings.TrimSpace(s.CharacteristicID)
	s.OperationMode = OperationMode(strings.ToLower(strings.TrimSpace(string(s.OperationMode))))
	s.ForwarderType = ForwarderType(strings.ToLower(strings.TrimSpace(string(s.ForwarderType))))

	wv := strings.ToLower(strings.TrimSpace(s.WriteValue))
	wv = strings.TrimPrefix(wv, "0x")
	s.WriteValue = strings.NewReplacer(" ", "", ":", "").Replace(wv)

	if s.ForwarderParams == nil {
		s.ForwarderParams = map[string]any{}
	}
}

// Validate reports the first invalid key as a *Error.
func (s *Snapshot) Validate() error {
	switch s.OperationMode {
	case ModeRead, ModeWrite, ModeReadWrite, ModeReadNotify:
	default:
		return &Error{Key: "operation_mode", Msg: fmt.Sprintf("unsupported mode %q", s.OperationMode)}
	}

	switch s.ForwarderType {
	case ForwarderQueue, ForwarderWebhook:
	default:
		return &Error{Key: "forwarder_type", Msg: fmt.Sprintf("unsupported forwarder %q", s.ForwarderType)}
	}

	durations := []struct {
		key string
		v   int
	}{
		{"scan_interval_ms", s.ScanIntervalMs},
		{"read_interval_ms", s.ReadIntervalMs},
		{"write_interval_ms", s.WriteIntervalMs},
		{"scan_timeout_ms", s.ScanTimeoutMs},
		{"scan_backoff_ms", s.ScanBackoffMs},
		{"connect_timeout_ms", s.ConnectTimeoutMs},
		{"io_timeout_ms", s.IOTimeoutMs},
		{"send_timeout_ms", s.SendTimeoutMs},
	}
	for _, d := range durations {
		if d.v <= 0 {
			return &Error{Key: d.key, Msg: fmt.Sprintf("must be positive, got %d", d.v)}
		}
	}

	if s.ServiceID != "" {
		if _, err := device.ValidateUUID(s.ServiceID); err != nil {
			return &Error{Key: "service_id", Msg: err.Error()}
		}
	}
	if s.CharacteristicID != "" {
		if _, err := device.ValidateUUID(s.CharacteristicID); err != nil {
			return &Error{Key: "characteristic_id", Msg: err.Error()}
		}
	}

	if _, err := hex.DecodeString(s.WriteValue); err != nil {
		return &Error{Key: "write_value", Msg: fmt.Sprintf("not a hex string: %v", err)}
	}
	return nil
}
