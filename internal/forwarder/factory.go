package forwarder

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegate/pkg/config"
)

// Options carries construction dependencies shared by all transports.
type Options struct {
	Logger *logrus.Logger
	// HTTPClient is used by the webhook forwarder; nil selects a default client.
	HTTPClient *http.Client
}

// Factory builds the forwarder for a snapshot.
type Factory func(snap *config.Snapshot) (*Lazy, error)

// NewFactory returns the default Factory.
func NewFactory(opts Options) Factory {
	return func(snap *config.Snapshot) (*Lazy, error) {
		return New(snap, opts)
	}
}

// New selects the transport by forwarder_type. The transport itself is connected on first use.
// Parameters are validated eagerly so a NotConfigured error surfaces at setup.
func New(snap *config.Snapshot, opts Options) (*Lazy, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	params := snap.Params()

	switch snap.ForwarderType {
	case config.ForwarderQueue:
		if _, err := ParseQueueParams(params); err != nil {
			return nil, err
		}
		return NewLazy(string(config.ForwarderQueue), func(ctx context.Context) (Forwarder, error) {
			return NewQueue(ctx, params, logger)
		}, logger), nil
	case config.ForwarderWebhook:
		if _, err := ParseWebhookParams(params); err != nil {
			return nil, err
		}
		return NewLazy(string(config.ForwarderWebhook), func(context.Context) (Forwarder, error) {
			return NewWebhook(params, opts.HTTPClient, logger)
		}, logger), nil
	default:
		return nil, &SendError{Kind: NotConfigured, Err: fmt.Errorf("unknown forwarder type %q", snap.ForwarderType)}
	}
}
