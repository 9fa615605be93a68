package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultMQTTPort = 1883
	defaultNATSPort = 4222
)

// QueueParams configures the message-queue forwarder.
type QueueParams struct {
	Server           string `json:"server"`
	Port             int    `json:"port"` // 1883 for MQTT, 4222 for NATS
	Topic            string `json:"topic" default:"gateway/ble/data"`
	AccessToken      string `json:"access_token"`
	ClientID         string `json:"client_id"`
	QoS              int    `json:"qos"`
	ConnectTimeoutMs int    `json:"connect_timeout_ms" default:"10000"`
}

// IsNATS reports whether the server address selects the NATS protocol.
func (p QueueParams) IsNATS() bool {
	return strings.HasPrefix(strings.ToLower(p.Server), "nats://")
}

func (p QueueParams) connectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutMs) * time.Millisecond
}

// ParseQueueParams decodes and validates queue forwarder parameters.
func ParseQueueParams(raw map[string]any) (QueueParams, error) {
	var p QueueParams
	if err := decodeParams("queue", raw, &p); err != nil {
		return p, err
	}
	p.Server = strings.TrimSpace(p.Server)
	if p.Server == "" {
		return p, &SendError{Kind: NotConfigured, Transport: "queue", Err: fmt.Errorf("server is not set")}
	}
	if p.Port == 0 {
		p.Port = defaultMQTTPort
		if p.IsNATS() {
			p.Port = defaultNATSPort
		}
	}
	if p.ClientID == "" {
		p.ClientID = "gateway_ble_" + uuid.NewString()
	}
	if p.QoS < 0 || p.QoS > 2 {
		return p, &SendError{Kind: NotConfigured, Transport: "queue", Err: fmt.Errorf("qos must be 0, 1 or 2, got %d", p.QoS)}
	}
	return p, nil
}

// publisher is one broker session.
type publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close()
}

// dialPublisher connects to the broker named by params.
// This is a variable so that it can be overridden in tests.
var dialPublisher = func(ctx context.Context, p QueueParams, logger *logrus.Logger) (publisher, error) {
	if p.IsNATS() {
		return dialNATS(ctx, p, logger)
	}
	return dialMQTT(ctx, p, logger)
}

// Queue publishes envelopes to a topic (MQTT) or subject (NATS).
type Queue struct {
	params QueueParams
	pub    publisher
	logger *logrus.Logger
}

// NewQueue validates params and connects to the broker.
func NewQueue(ctx context.Context, raw map[string]any, logger *logrus.Logger) (*Queue, error) {
	if logger == nil {
		logger = logrus.New()
	}
	p, err := ParseQueueParams(raw)
	if err != nil {
		return nil, err
	}

	pub, err := dialPublisher(ctx, p, logger)
	if err != nil {
		return nil, &SendError{Kind: ConnectFailed, Transport: "queue", Err: err}
	}
	logger.WithFields(logrus.Fields{
		"forwarder": "queue",
		"server":    p.Server,
		"topic":     p.Topic,
	}).Debug("Queue forwarder connected")
	return &Queue{params: p, pub: pub, logger: logger}, nil
}

func (q *Queue) Send(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return &SendError{Kind: Rejected, Transport: "queue", Err: err}
	}
	return q.pub.Publish(ctx, q.params.Topic, payload)
}

func (q *Queue) Close() error {
	q.pub.Close()
	return nil
}
