// Package forwarder delivers telemetry envelopes to a backend over a message queue
// (MQTT or NATS) or an HTTPS webhook.
package forwarder

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is one captured characteristic value.
type Envelope struct {
	MAC       string
	Timestamp time.Time
	Payload   []byte
}

// NewEnvelope copies payload so the caller may reuse its buffer.
func NewEnvelope(mac string, ts time.Time, payload []byte) Envelope {
	return Envelope{MAC: mac, Timestamp: ts, Payload: append([]byte(nil), payload...)}
}

// Len returns the payload length.
func (e Envelope) Len() int { return len(e.Payload) }

type wireEnvelope struct {
	MACAddress string `json:"mac_address"`
	Timestamp  string `json:"timestamp"`
	Data       string `json:"data"`
	DataLength int    `json:"data_length"`
}

// MarshalJSON renders the wire shape shared by both transports.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		MACAddress: e.MAC,
		Timestamp:  e.Timestamp.Format(time.RFC3339Nano),
		Data:       hex.EncodeToString(e.Payload),
		DataLength: e.Len(),
	})
}

// Forwarder delivers envelopes to one backend. Send must honor ctx.
type Forwarder interface {
	Send(ctx context.Context, env Envelope) error
	Close() error
}

// ErrorKind classifies a failed send
type ErrorKind string

const (
	NotConfigured ErrorKind = "not_configured"
	ConnectFailed ErrorKind = "connect_failed"
	Rejected      ErrorKind = "rejected"
)

// SendError is returned by every forwarder on a failed delivery
type SendError struct {
	Kind      ErrorKind
	Transport string
	Err       error
}

func (e *SendError) Error() string {
	msg := string(e.Kind)
	if e.Transport != "" {
		msg = e.Transport + " " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *SendError) Unwrap() error { return e.Err }

// Is allows errors.Is to compare SendError values by Kind
func (e *SendError) Is(target error) bool {
	t, ok := target.(*SendError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for send failure kinds
var (
	ErrNotConfigured = &SendError{Kind: NotConfigured}
	ErrConnectFailed = &SendError{Kind: ConnectFailed}
	ErrRejected      = &SendError{Kind: Rejected}
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("forwarder closed")

// IsKind reports whether err is a SendError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var serr *SendError
	if errors.As(err, &serr) {
		return serr.Kind == kind
	}
	return false
}
