package tinygo

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/blegate/internal/device"
	"tinygo.org/x/bluetooth"
)

// characteristic is the subset of bluetooth.DeviceCharacteristic used for I/O.
type characteristic interface {
	Read(data []byte) (int, error)
	Write(p []byte) (int, error)
}

// peripheral is a connected device able to resolve characteristics by normalized UUID.
type peripheral interface {
	discover(serviceID, charID string) (characteristic, error)
	Disconnect() error
}

// deviceLink adapts bluetooth.Device to peripheral.
type deviceLink struct {
	dev bluetooth.Device
}

func (l deviceLink) discover(serviceID, charID string) (characteristic, error) {
	svcUUID, err := ParseUUID(serviceID)
	if err != nil {
		return nil, err
	}
	charUUID, err := ParseUUID(charID)
	if err != nil {
		return nil, err
	}

	svcs, err := l.dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", device.NormalizeError(err))
	}
	if len(svcs) == 0 {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{serviceID}}
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", device.NormalizeError(err))
	}
	if len(chars) == 0 {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceID, charID}}
	}
	return chars[0], nil
}

func (l deviceLink) Disconnect() error { return l.dev.Disconnect() }

type connection struct {
	address string
	link    peripheral

	mu     sync.Mutex
	chars  map[string]characteristic
	closed bool
	// busy is closed when a call abandoned by an expired caller returns.
	busy chan struct{}
}

func newConnection(address string, link peripheral) *connection {
	return &connection{address: address, link: link, chars: make(map[string]characteristic)}
}

func (c *connection) Address() string { return c.address }

// gatt runs fn bounded by ctx. tinygo calls cannot be interrupted; an abandoned call must
// return before the next one starts. Caller holds c.mu.
func (c *connection) gatt(ctx context.Context, fn func() error) error {
	if c.busy != nil {
		select {
		case <-c.busy:
			c.busy = nil
		case <-ctx.Done():
			return fmt.Errorf("%w: previous GATT operation still in flight: %v", device.ErrTimeout, ctx.Err())
		}
	}

	done := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		defer close(done)
		errCh <- fn()
	}()

	select {
	case err := <-errCh:
		return device.NormalizeError(err)
	case <-ctx.Done():
		c.busy = done
		return fmt.Errorf("%w: %v", device.ErrTimeout, ctx.Err())
	}
}

// characteristic resolves the characteristic on first use and caches it. Caller holds c.mu.
func (c *connection) characteristic(ctx context.Context, serviceID, charID string) (characteristic, error) {
	svcNorm, charNorm := device.NormalizeUUID(serviceID), device.NormalizeUUID(charID)
	key := svcNorm + "/" + charNorm
	if ch, ok := c.chars[key]; ok {
		return ch, nil
	}

	var found characteristic
	err := c.gatt(ctx, func() error {
		var err error
		found, err = c.link.discover(svcNorm, charNorm)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.chars[key] = found
	return found, nil
}

func (c *connection) read(ctx context.Context, serviceID, charID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, device.ErrNotConnected
	}
	ch, err := c.characteristic(ctx, serviceID, charID)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = c.gatt(ctx, func() error {
		buf := make([]byte, maxAttributeLen)
		n, err := ch.Read(buf)
		if err != nil {
			return err
		}
		data = buf[:n]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *connection) write(ctx context.Context, serviceID, charID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return device.ErrNotConnected
	}
	ch, err := c.characteristic(ctx, serviceID, charID)
	if err != nil {
		return err
	}

	return c.gatt(ctx, func() error {
		_, err := ch.Write(data)
		return err
	})
}

func (c *connection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.chars = nil
	return device.NormalizeError(c.link.Disconnect())
}
