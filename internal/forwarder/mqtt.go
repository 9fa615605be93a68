package forwarder

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// brokerURL builds the paho broker address. A bare host gets tcp:// and the configured port;
// an address that already carries a scheme or port keeps it.
func brokerURL(p QueueParams) string {
	server := p.Server
	if !strings.Contains(server, "://") {
		server = "tcp://" + server
	}
	u, err := url.Parse(server)
	if err != nil || u.Port() != "" {
		return server
	}
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(p.Port))
	return u.String()
}

type mqttPublisher struct {
	client mqtt.Client
	qos    byte
	logger *logrus.Logger
}

// waitToken waits for a paho token or ctx, whichever comes first.
func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func dialMQTT(ctx context.Context, p QueueParams, logger *logrus.Logger) (publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(p))
	opts.SetClientID(p.ClientID)
	opts.SetConnectTimeout(p.connectTimeout())
	opts.SetAutoReconnect(true)
	if p.AccessToken != "" {
		// Token-based brokers take the access token as the user name.
		opts.SetUsername(p.AccessToken)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithFields(logrus.Fields{"forwarder": "queue", "error": err}).Warn("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	connectCtx, cancel := context.WithTimeout(ctx, p.connectTimeout())
	defer cancel()

	if err := waitToken(connectCtx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("MQTT connection to %s failed: %w", brokerURL(p), err)
	}
	return &mqttPublisher{client: client, qos: byte(p.QoS), logger: logger}, nil
}

func (m *mqttPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if !m.client.IsConnectionOpen() {
		return &SendError{Kind: ConnectFailed, Transport: "mqtt", Err: fmt.Errorf("not connected to broker")}
	}
	if err := waitToken(ctx, m.client.Publish(topic, m.qos, false, payload)); err != nil {
		return &SendError{Kind: Rejected, Transport: "mqtt", Err: err}
	}
	return nil
}

func (m *mqttPublisher) Close() {
	m.client.Disconnect(250)
}
