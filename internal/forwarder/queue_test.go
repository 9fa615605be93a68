package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	err      error
	closed   bool
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakePublisher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type QueueTestSuite struct {
	suite.Suite

	pub          *fakePublisher
	dialed       []QueueParams
	dialErr      error
	originalDial func(context.Context, QueueParams, *logrus.Logger) (publisher, error)
}

func (s *QueueTestSuite) SetupTest() {
	s.pub = &fakePublisher{}
	s.dialed = nil
	s.dialErr = nil
	s.originalDial = dialPublisher
	dialPublisher = func(_ context.Context, p QueueParams, _ *logrus.Logger) (publisher, error) {
		s.dialed = append(s.dialed, p)
		if s.dialErr != nil {
			return nil, s.dialErr
		}
		return s.pub, nil
	}
}

func (s *QueueTestSuite) TearDownTest() {
	dialPublisher = s.originalDial
}

func (s *QueueTestSuite) TestPublishesToDefaultTopic() {
	// GOAL: Verify the queue forwarder publishes the wire JSON to the default topic
	//
	// TEST SCENARIO: Only server is configured → topic gateway/ble/data, MQTT port 1883, generated client id

	q, err := NewQueue(context.Background(), map[string]any{"server": "broker.local", "access_token": "tok"}, nil)
	s.Require().NoError(err)

	s.Require().NoError(q.Send(context.Background(), NewEnvelope("AA:BB:CC:DD:EE:FF", time.Now(), []byte{0x01, 0x02})))

	s.Require().Len(s.dialed, 1)
	p := s.dialed[0]
	s.Equal(1883, p.Port)
	s.Equal("tok", p.AccessToken)
	s.True(strings.HasPrefix(p.ClientID, "gateway_ble_"), "client id MUST carry the gateway prefix")
	s.Equal([]string{"gateway/ble/data"}, s.pub.topics)

	var wire map[string]any
	s.Require().NoError(json.Unmarshal(s.pub.payloads[0], &wire))
	s.Equal("0102", wire["data"])
	s.Equal(float64(2), wire["data_length"])

	s.NoError(q.Close())
	s.True(s.pub.closed)
}

func (s *QueueTestSuite) TestDialFailureIsConnectFailed() {
	s.dialErr = errors.New("connection refused")

	_, err := NewQueue(context.Background(), map[string]any{"server": "broker.local"}, nil)

	s.ErrorIs(err, ErrConnectFailed)
	s.ErrorContains(err, "connection refused")
}

func (s *QueueTestSuite) TestPublishFailurePropagates() {
	q, err := NewQueue(context.Background(), map[string]any{"server": "broker.local"}, nil)
	s.Require().NoError(err)
	s.pub.err = &SendError{Kind: Rejected, Transport: "mqtt", Err: errors.New("not authorized")}

	err = q.Send(context.Background(), NewEnvelope("AA", time.Now(), []byte{1}))

	s.ErrorIs(err, ErrRejected)
}

func (s *QueueTestSuite) TestMissingServerNeverDials() {
	_, err := NewQueue(context.Background(), map[string]any{"topic": "t"}, nil)

	s.ErrorIs(err, ErrNotConfigured)
	s.Empty(s.dialed, "an unconfigured forwarder MUST NOT dial")
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}

func TestParseQueueParams(t *testing.T) {
	t.Run("nats scheme selects the nats default port", func(t *testing.T) {
		p, err := ParseQueueParams(map[string]any{"server": "nats://nats.local", "client_id": "gw-1", "qos": 1})

		require.NoError(t, err)
		assert.True(t, p.IsNATS())
		assert.Equal(t, 4222, p.Port)
		assert.Equal(t, "gw-1", p.ClientID)
		assert.Equal(t, "nats://nats.local:4222", natsURL(p))
	})

	t.Run("rejects invalid qos", func(t *testing.T) {
		_, err := ParseQueueParams(map[string]any{"server": "b", "qos": 3})
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("rejects wrongly typed params", func(t *testing.T) {
		_, err := ParseQueueParams(map[string]any{"server": "b", "port": "not-a-port"})
		assert.ErrorIs(t, err, ErrNotConfigured)
	})
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		server string
		port   int
		want   string
	}{
		{server: "broker.local", port: 1883, want: "tcp://broker.local:1883"},
		{server: "broker.local:1884", port: 1883, want: "tcp://broker.local:1884"},
		{server: "ssl://broker.local", port: 8883, want: "ssl://broker.local:8883"},
		{server: "ws://broker.local:9001/mqtt", port: 1883, want: "ws://broker.local:9001/mqtt"},
	}
	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			assert.Equal(t, tt.want, brokerURL(QueueParams{Server: tt.server, Port: tt.port}))
		})
	}
}
