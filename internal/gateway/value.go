package gateway

import (
	"context"

	"github.com/srg/blegate/pkg/config"
)

// ValueProvider supplies the payload for each write cycle. An empty value skips the cycle.
type ValueProvider interface {
	Next(ctx context.Context, snap *config.Snapshot) ([]byte, error)
}

// ValueFunc adapts a function to ValueProvider.
type ValueFunc func(ctx context.Context, snap *config.Snapshot) ([]byte, error)

func (f ValueFunc) Next(ctx context.Context, snap *config.Snapshot) ([]byte, error) {
	return f(ctx, snap)
}

// ConfigValue writes the snapshot's write_value on every cycle.
type ConfigValue struct{}

func (ConfigValue) Next(_ context.Context, snap *config.Snapshot) ([]byte, error) {
	return snap.WriteBytes(), nil
}
