package forwarder

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const defaultFlushTimeout = 5 * time.Second

func natsURL(p QueueParams) string {
	u, err := url.Parse(p.Server)
	if err != nil || u.Port() != "" {
		return p.Server
	}
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(p.Port))
	return u.String()
}

type natsPublisher struct {
	nc *nats.Conn
}

func dialNATS(_ context.Context, p QueueParams, logger *logrus.Logger) (publisher, error) {
	opts := []nats.Option{
		nats.Name(p.ClientID),
		nats.Timeout(p.connectTimeout()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithFields(logrus.Fields{"forwarder": "queue", "error": err}).Warn("NATS disconnected")
			}
		}),
	}
	if p.AccessToken != "" {
		opts = append(opts, nats.Token(p.AccessToken))
	}

	nc, err := nats.Connect(natsURL(p), opts...)
	if err != nil {
		return nil, fmt.Errorf("NATS connection to %s failed: %w", natsURL(p), err)
	}
	return &natsPublisher{nc: nc}, nil
}

func (n *natsPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := n.nc.Publish(subject, payload); err != nil {
		return &SendError{Kind: ConnectFailed, Transport: "nats", Err: err}
	}

	var err error
	if _, ok := ctx.Deadline(); ok {
		err = n.nc.FlushWithContext(ctx)
	} else {
		err = n.nc.FlushTimeout(defaultFlushTimeout)
	}
	if err != nil {
		return &SendError{Kind: Rejected, Transport: "nats", Err: err}
	}
	return nil
}

func (n *natsPublisher) Close() {
	n.nc.Close()
}
