package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blegate/internal/device"
)

// connection is the go-ble device.Handle: a live GATT client plus the characteristic
// index discovered at connect time.
type connection struct {
	address string
	client  GATTClient

	services map[string]struct{}
	chars    map[string]*ble.Characteristic // "<service>/<char>", normalized UUIDs

	mu     sync.Mutex // serializes GATT operations on the client
	closed bool
	// busy is closed when a GATT call abandoned by an expired caller returns.
	busy chan struct{}
}

func charKey(serviceID, charID string) string {
	return device.NormalizeUUID(serviceID) + "/" + device.NormalizeUUID(charID)
}

func newConnection(address string, client GATTClient, profile *ble.Profile) *connection {
	c := &connection{
		address:  address,
		client:   client,
		services: make(map[string]struct{}),
		chars:    make(map[string]*ble.Characteristic),
	}
	if profile == nil {
		return c
	}
	for _, svc := range profile.Services {
		svcUUID := device.NormalizeUUID(svc.UUID.String())
		c.services[svcUUID] = struct{}{}
		for _, ch := range svc.Characteristics {
			c.chars[svcUUID+"/"+device.NormalizeUUID(ch.UUID.String())] = ch
		}
	}
	return c
}

func (c *connection) Address() string { return c.address }

func (c *connection) lookup(serviceID, charID string) (*ble.Characteristic, error) {
	if _, ok := c.services[device.NormalizeUUID(serviceID)]; !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{device.NormalizeUUID(serviceID)}}
	}
	ch, ok := c.chars[charKey(serviceID, charID)]
	if !ok {
		return nil, &device.NotFoundError{
			Resource: "characteristic",
			UUIDs:    []string{device.NormalizeUUID(serviceID), device.NormalizeUUID(charID)},
		}
	}
	return ch, nil
}

// gatt runs fn on the client bounded by ctx. go-ble calls cannot be interrupted, so on
// expiry the call keeps running and the next operation waits for it before touching the
// client. Callers hold c.mu.
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

// read performs a bounded characteristic read.
func (c *connection) read(ctx context.Context, serviceID, charID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, device.ErrNotConnected
	}
	ch, err := c.lookup(serviceID, charID)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = c.gatt(ctx, func() error {
		var err error
		data, err = c.client.ReadCharacteristic(ch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// write sends data in DefaultBLEWriteChunkSize pieces with DefaultBLEWriteDelay between them.
// Every chunk is bounded by ctx.
func (c *connection) write(ctx context.Context, serviceID, charID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return device.ErrNotConnected
	}
	ch, err := c.lookup(serviceID, charID)
	if err != nil {
		return err
	}

	for offset := 0; offset < len(data) || offset == 0; offset += DefaultBLEWriteChunkSize {
		end := min(offset+DefaultBLEWriteChunkSize, len(data))
		chunk := data[offset:end]

		if err := c.gatt(ctx, func() error {
			return c.client.WriteCharacteristic(ch, chunk, false)
		}); err != nil {
			return err
		}

		if end >= len(data) {
			break
		}
		select {
		case <-time.After(DefaultBLEWriteDelay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", device.ErrTimeout, ctx.Err())
		}
	}
	return nil
}

func (c *connection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return device.NormalizeError(c.client.CancelConnection())
}
