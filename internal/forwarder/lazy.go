package forwarder

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// BuildFunc establishes a transport.
type BuildFunc func(ctx context.Context) (Forwarder, error)

// Lazy defers building its transport to the first Send and reuses it until Close.
// A failed build is not memoized; the next Send retries it.
type Lazy struct {
	name   string
	build  BuildFunc
	logger *logrus.Logger

	mu     sync.Mutex
	inner  Forwarder
	closed bool
}

// NewLazy wraps build. The name identifies the transport in logs.
func NewLazy(name string, build BuildFunc, logger *logrus.Logger) *Lazy {
	if logger == nil {
		logger = logrus.New()
	}
	return &Lazy{name: name, build: build, logger: logger}
}

func (l *Lazy) Name() string { return l.name }

// Built reports whether the transport is currently established.
func (l *Lazy) Built() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner != nil
}

func (l *Lazy) get(ctx context.Context) (Forwarder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if l.inner != nil {
		return l.inner, nil
	}

	inner, err := l.build(ctx)
	if err != nil {
		return nil, err
	}
	l.inner = inner
	l.logger.WithField("forwarder", l.name).Info("Forwarder connected")
	return inner, nil
}

// Warm builds the transport ahead of the first Send.
func (l *Lazy) Warm(ctx context.Context) error {
	_, err := l.get(ctx)
	return err
}

func (l *Lazy) Send(ctx context.Context, env Envelope) error {
	inner, err := l.get(ctx)
	if err != nil {
		return err
	}
	return inner.Send(ctx, env)
}

// Close tears the transport down. Later sends return ErrClosed.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.inner == nil {
		return nil
	}
	err := l.inner.Close()
	l.inner = nil
	l.logger.WithField("forwarder", l.name).Info("Forwarder closed")
	return err
}
