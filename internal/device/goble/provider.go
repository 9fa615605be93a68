package goble

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegate/internal/device"
)

const (
	// DefaultBLEWriteChunkSize is the maximum number of bytes to write in a single BLE operation.
	// BLE 4.0/4.1 defines ATT_MTU of 23 bytes (20 bytes payload after ATT header overhead).
	DefaultBLEWriteChunkSize = 20

	// DefaultBLEWriteDelay is the delay between consecutive write chunks.
	DefaultBLEWriteDelay = 10 * time.Millisecond
)

// Name is the backend name accepted by devicefactory.
const Name = "go-ble"

// Provider implements device.Provider on top of github.com/go-ble/ble.
type Provider struct {
	logger *logrus.Logger

	mu    sync.Mutex
	radio Radio
}

// New returns a closed provider; call Open before use.
func New(logger *logrus.Logger) *Provider {
	if logger == nil {
		logger = logrus.New()
	}
	return &Provider{logger: logger}
}

func (p *Provider) Name() string { return Name }

// Open creates the adapter through RadioFactory. Calling Open twice is a no-op.
func (p *Provider) Open(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.radio != nil {
		return nil
	}
	r, err := RadioFactory()
	if err != nil {
		p.logger.WithField("error", err).Error("Failed to create BLE device")
		return fmt.Errorf("%w: %v", device.ErrBackendUnavailable, device.NormalizeError(err))
	}
	p.radio = r
	p.logger.Debug("go-ble adapter opened")
	return nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	r := p.radio
	p.radio = nil
	p.mu.Unlock()

	if r == nil {
		return nil
	}
	return device.NormalizeError(r.Stop())
}

func (p *Provider) currentRadio() (Radio, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.radio == nil {
		return nil, fmt.Errorf("%w: adapter is not open", device.ErrBackendUnavailable)
	}
	return p.radio, nil
}

// Scan listens for advertisements until timeout expires. The last advertisement seen for an
// address wins, except that an empty local name never overwrites a known one.
func (p *Provider) Scan(ctx context.Context, timeout time.Duration) ([]device.DiscoveredDevice, error) {
	r, err := p.currentRadio()
	if err != nil {
		return nil, err
	}

	seen := hashmap.New[string, device.DiscoveredDevice]()
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = r.Scan(scanCtx, func(d device.DiscoveredDevice) {
		if prev, ok := seen.Get(d.MAC); ok && d.Name == "" {
			d.Name = prev.Name
		}
		seen.Set(d.MAC, d)
	})
	// go-ble reports the scan deadline as an error; only a parent cancellation or a
	// backend failure is a real one.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && scanCtx.Err() == nil {
		return nil, device.NormalizeError(err)
	}

	result := make([]device.DiscoveredDevice, 0, seen.Len())
	seen.Range(func(_ string, d device.DiscoveredDevice) bool {
		result = append(result, d)
		return true
	})
	sort.Slice(result, func(i, j int) bool { return result[i].MAC < result[j].MAC })
	return result, nil
}

type dialResult struct {
	conn *connection
	err  error
}

// Connect dials the peripheral and discovers its profile. Both steps are bounded by ctx.
func (p *Provider) Connect(ctx context.Context, mac string) (device.Handle, error) {
	r, err := p.currentRadio()
	if err != nil {
		return nil, err
	}
	address := device.NormalizeMAC(mac)
	if address == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	logger := p.logger.WithField("address", address)
	logger.Debug("Dialing BLE device...")

	resultCh := make(chan dialResult, 1)
	go func() {
		client, err := r.Dial(ctx, address)
		if err != nil {
			resultCh <- dialResult{err: device.NormalizeError(err)}
			return
		}
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			if cancelErr := client.CancelConnection(); cancelErr != nil {
				logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
			}
			resultCh <- dialResult{err: fmt.Errorf("failed to discover profile: %w", device.NormalizeError(err))}
			return
		}
		resultCh <- dialResult{conn: newConnection(address, client, profile)}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: connecting to %s: %v", device.ErrConnectTimeout, address, res.err)
			}
			return nil, res.err
		}
		logger.WithField("characteristics", len(res.conn.chars)).Info("BLE device connected")
		return res.conn, nil
	case <-ctx.Done():
		// Reap a link that completes after the caller gave up.
		go func() {
			if res := <-resultCh; res.conn != nil {
				_ = res.conn.client.CancelConnection()
			}
		}()
		return nil, fmt.Errorf("%w: connecting to %s: %v", device.ErrConnectTimeout, address, ctx.Err())
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
		return nil, fmt.Errorf("%w: handle %T does not belong to go-ble", device.ErrNotConnected, h)
	}
	return conn, nil
}

var _ device.Provider = (*Provider)(nil)
