// Package tinygo implements device.Provider on tinygo.org/x/bluetooth (BlueZ on Linux,
// CoreBluetooth on macOS, WinRT on Windows).
//
// On macOS peripheral addresses are CoreBluetooth UUIDs rather than MAC addresses; they are
// carried in the same target_mac field.
package tinygo

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegate/internal/device"
	"tinygo.org/x/bluetooth"
)

// Name is the backend name accepted by devicefactory.
const Name = "tinygo"

// maxAttributeLen is the largest value an ATT attribute can hold.
const maxAttributeLen = 512

// radio is the subset of *bluetooth.Adapter the provider drives.
type radio interface {
	Enable() error
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
	Connect(address bluetooth.Address, params bluetooth.ConnectionParams) (bluetooth.Device, error)
}

// stopScanRetry paces StopScan attempts issued before the adapter reports scanning.
const stopScanRetry = 10 * time.Millisecond

// Provider implements device.Provider on a tinygo bluetooth adapter.
type Provider struct {
	adapter radio
	logger  *logrus.Logger

	mu      sync.Mutex
	enabled bool
	// tinygo permits a single scan per adapter
	scanMu sync.Mutex
}

// New wraps bluetooth.DefaultAdapter.
func New(logger *logrus.Logger) *Provider {
	if logger == nil {
		logger = logrus.New()
	}
	return &Provider{adapter: bluetooth.DefaultAdapter, logger: logger}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Open(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.enabled {
		return nil
	}
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", device.ErrBackendUnavailable, device.NormalizeError(err))
	}
	p.enabled = true
	return nil
}

// Close marks the provider closed. tinygo has no adapter teardown.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.enabled = false
	p.mu.Unlock()
	return nil
}

func (p *Provider) ensureOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return fmt.Errorf("%w: adapter is not open", device.ErrBackendUnavailable)
	}
	return nil
}

func (p *Provider) Scan(ctx context.Context, timeout time.Duration) ([]device.DiscoveredDevice, error) {
	if err := p.ensureOpen(); err != nil {
		return nil, err
	}
	p.scanMu.Lock()
	defer p.scanMu.Unlock()

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]device.DiscoveredDevice)

	if err := scanCtx.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return []device.DiscoveredDevice{}, nil
	}

	// StopScan fails until the adapter is scanning, so it is retried until Scan returns.
	done := make(chan struct{})
	go func() {
		select {
		case <-scanCtx.Done():
		case <-done:
			return
		}
		for {
			err := p.adapter.StopScan()
			if err == nil {
				return
			}
			p.logger.WithField("error", err).Debug("StopScan failed, retrying")
			select {
			case <-done:
				return
			case <-time.After(stopScanRetry):
			}
		}
	}()

	err := p.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		d := device.DiscoveredDevice{
			MAC:  device.NormalizeMAC(result.Address.String()),
			Name: result.LocalName(),
			RSSI: int(result.RSSI),
		}
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := seen[d.MAC]; ok && d.Name == "" {
			d.Name = prev.Name
		}
		seen[d.MAC] = d
	})
	close(done)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && scanCtx.Err() == nil {
		return nil, device.NormalizeError(err)
	}

	mu.Lock()
	defer mu.Unlock()
	result := make([]device.DiscoveredDevice, 0, len(seen))
	for _, d := range seen {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MAC < result[j].MAC })
	return result, nil
}

func (p *Provider) Connect(ctx context.Context, mac string) (device.Handle, error) {
	if err := p.ensureOpen(); err != nil {
		return nil, err
	}
	address := device.NormalizeMAC(mac)

	var addr bluetooth.Address
	addr.Set(address)

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	// tinygo's Connect cannot be cancelled; it is raced against ctx.
	type connectResult struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan connectResult, 1)
	go func() {
		dev, err := p.adapter.Connect(addr, params)
		ch <- connectResult{dev, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.err == nil {
				_ = res.dev.Disconnect()
			}
		}()
		return nil, fmt.Errorf("%w: connecting to %s: %v", device.ErrConnectTimeout, address, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, device.NormalizeError(res.err)
		}
		p.logger.WithField("address", address).Info("BLE device connected")
		return newConnection(address, deviceLink{dev: res.dev}), nil
	}
}

func (p *Provider) Read(ctx context.Context, h device.Handle, serviceID, charID string) ([]byte, error) {
	conn, err := asConnection(h)
	if err != nil {
		return nil, err
	}
	return conn.read(ctx, serviceID, charID)
}

func (p *Provider) Write(ctx context.Context, h device.Handle, serviceID, charID string, data []byte) error {
	conn, err := asConnection(h)
	if err != nil {
		return err
	}
	return conn.write(ctx, serviceID, charID, data)
}

func (p *Provider) Disconnect(h device.Handle) error {
	conn, err := asConnection(h)
	if err != nil {
		return err
	}
	return conn.close()
}

func asConnection(h device.Handle) (*connection, error) {
	conn, ok := h.(*connection)
	if !ok || conn == nil {
		return nil, fmt.Errorf("%w: handle %T does not belong to tinygo", device.ErrNotConnected, h)
	}
	return conn, nil
}

// ParseUUID converts a normalized 16-, 32- or 128-bit identifier into a bluetooth.UUID.
func ParseUUID(id string) (bluetooth.UUID, error) {
	ids, err := device.ValidateUUID(id)
	if err != nil {
		return bluetooth.UUID{}, err
	}
	raw, _ := hex.DecodeString(ids[0])

	switch len(raw) {
	case 2:
		return bluetooth.New16BitUUID(uint16(raw[0])<<8 | uint16(raw[1])), nil
	case 4:
		return bluetooth.New32BitUUID(uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])), nil
	default:
		s := ids[0]
		return bluetooth.ParseUUID(s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:])
	}
}

var _ device.Provider = (*Provider)(nil)
