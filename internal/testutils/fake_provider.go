package testutils

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/blegate/internal/device"
)

// FakeWrite is one write observed by FakeProvider.
type FakeWrite struct {
	MAC              string
	ServiceID        string
	CharacteristicID string
	Data             []byte
}

type fakeHandle struct {
	mac  string
	dead atomic.Bool
}

func (h *fakeHandle) Address() string { return h.mac }

// FakeProvider is an in-memory device.Provider. Devices become visible with AddDevice and
// characteristic values are served from SetValue.
type FakeProvider struct {
	mu        sync.Mutex
	opened    bool
	openErr   error
	devices   map[string]device.DiscoveredDevice
	values    map[string][]byte
	scanErr   error
	connErr   map[string]error
	readErr   error
	writeErr  error
	discErr   error
	connDelay time.Duration
	readDelay time.Duration
	handles   map[string]*fakeHandle
	writes    []FakeWrite

	scans       atomic.Int32
	connects    atomic.Int32
	reads       atomic.Int32
	writeCalls  atomic.Int32
	disconnects atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// NewFakeProvider returns an empty, closed FakeProvider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		devices: make(map[string]device.DiscoveredDevice),
		values:  make(map[string][]byte),
		connErr: make(map[string]error),
		handles: make(map[string]*fakeHandle),
	}
}

func valueKey(mac, svc, char string) string {
	return device.NormalizeMAC(mac) + "/" + device.NormalizeUUID(svc) + "/" + device.NormalizeUUID(char)
}

func (p *FakeProvider) AddDevice(mac, name string, rssi int) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	mac = device.NormalizeMAC(mac)
	p.devices[mac] = device.DiscoveredDevice{MAC: mac, Name: name, RSSI: rssi}
	return p
}

func (p *FakeProvider) RemoveDevice(mac string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.devices, device.NormalizeMAC(mac))
}

func (p *FakeProvider) SetValue(mac, serviceID, charID string, value []byte) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[valueKey(mac, serviceID, charID)] = value
	return p
}

func (p *FakeProvider) SetOpenError(err error)  { p.mu.Lock(); p.openErr = err; p.mu.Unlock() }
func (p *FakeProvider) SetScanError(err error)  { p.mu.Lock(); p.scanErr = err; p.mu.Unlock() }
func (p *FakeProvider) SetReadError(err error)  { p.mu.Lock(); p.readErr = err; p.mu.Unlock() }
func (p *FakeProvider) SetWriteError(err error) { p.mu.Lock(); p.writeErr = err; p.mu.Unlock() }

// SetDisconnectError makes Disconnect release the handle but still report err.
func (p *FakeProvider) SetDisconnectError(err error) { p.mu.Lock(); p.discErr = err; p.mu.Unlock() }

func (p *FakeProvider) SetConnectError(mac string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connErr[device.NormalizeMAC(mac)] = err
}

// SetConnectDelay makes every Connect take d (bounded by ctx).
func (p *FakeProvider) SetConnectDelay(d time.Duration) { p.mu.Lock(); p.connDelay = d; p.mu.Unlock() }

// SetReadDelay makes every Read take d (bounded by ctx).
func (p *FakeProvider) SetReadDelay(d time.Duration) { p.mu.Lock(); p.readDelay = d; p.mu.Unlock() }

// DropLink simulates the peripheral going away: the live handle reports not_connected.
func (p *FakeProvider) DropLink(mac string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[device.NormalizeMAC(mac)]; ok {
		h.dead.Store(true)
	}
}

func (p *FakeProvider) Opened() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

// Live returns the number of handles not yet disconnected.
func (p *FakeProvider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

func (p *FakeProvider) Writes() []FakeWrite {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]FakeWrite(nil), p.writes...)
}

func (p *FakeProvider) ScanCount() int       { return int(p.scans.Load()) }
func (p *FakeProvider) ConnectCount() int    { return int(p.connects.Load()) }
func (p *FakeProvider) ReadCount() int       { return int(p.reads.Load()) }
func (p *FakeProvider) WriteCount() int      { return int(p.writeCalls.Load()) }
func (p *FakeProvider) DisconnectCount() int { return int(p.disconnects.Load()) }

// MaxConcurrentIO is the highest number of reads and writes observed in flight at once.
func (p *FakeProvider) MaxConcurrentIO() int { return int(p.maxInFlight.Load()) }

func (p *FakeProvider) Name() string { return "fake" }

func (p *FakeProvider) Open(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return fmt.Errorf("%w: %v", device.ErrBackendUnavailable, p.openErr)
	}
	p.opened = true
	return nil
}

func (p *FakeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = false
	return nil
}

func (p *FakeProvider) Scan(ctx context.Context, timeout time.Duration) ([]device.DiscoveredDevice, error) {
	p.scans.Add(1)
	p.mu.Lock()
	opened, scanErr := p.opened, p.scanErr
	found := make([]device.DiscoveredDevice, 0, len(p.devices))
	for _, d := range p.devices {
		found = append(found, d)
	}
	p.mu.Unlock()

	if !opened {
		return nil, fmt.Errorf("%w: adapter is not open", device.ErrBackendUnavailable)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if scanErr != nil {
		return nil, scanErr
	}
	sort.Slice(found, func(i, j int) bool { return found[i].MAC < found[j].MAC })
	return found, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *FakeProvider) Connect(ctx context.Context, mac string) (device.Handle, error) {
	p.connects.Add(1)
	mac = device.NormalizeMAC(mac)

	p.mu.Lock()
	delay, connErr := p.connDelay, p.connErr[mac]
	p.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrConnectTimeout, err)
	}
	if connErr != nil {
		return nil, connErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return nil, fmt.Errorf("%w: adapter is not open", device.ErrBackendUnavailable)
	}
	if _, visible := p.devices[mac]; !visible {
		return nil, &device.ConnectionError{State: device.Unreachable, Msg: mac}
	}
	if _, live := p.handles[mac]; live {
		return nil, device.ErrAlreadyConnected
	}
	h := &fakeHandle{mac: mac}
	p.handles[mac] = h
	return h, nil
}

func (p *FakeProvider) enterIO() func() {
	n := p.inFlight.Add(1)
	for {
		m := p.maxInFlight.Load()
		if n <= m || p.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { p.inFlight.Add(-1) }
}

func (p *FakeProvider) handle(h device.Handle) (*fakeHandle, error) {
	fh, ok := h.(*fakeHandle)
	if !ok || fh.dead.Load() {
		return nil, device.ErrNotConnected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if live, ok := p.handles[fh.mac]; !ok || live != fh {
		return nil, device.ErrNotConnected
	}
	return fh, nil
}

func (p *FakeProvider) Read(ctx context.Context, h device.Handle, serviceID, charID string) ([]byte, error) {
	p.reads.Add(1)
	defer p.enterIO()()

	fh, err := p.handle(h)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	delay, readErr := p.readDelay, p.readErr
	value, ok := p.values[valueKey(fh.mac, serviceID, charID)]
	p.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrTimeout, err)
	}
	if readErr != nil {
		return nil, readErr
	}
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceID, charID}}
	}
	return append([]byte(nil), value...), nil
}

func (p *FakeProvider) Write(ctx context.Context, h device.Handle, serviceID, charID string, data []byte) error {
	p.writeCalls.Add(1)
	defer p.enterIO()()

	fh, err := p.handle(h)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", device.ErrTimeout, ctx.Err())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return p.writeErr
	}
	p.writes = append(p.writes, FakeWrite{
		MAC:              fh.mac,
		ServiceID:        serviceID,
		CharacteristicID: charID,
		Data:             append([]byte(nil), data...),
	})
	p.values[valueKey(fh.mac, serviceID, charID)] = append([]byte(nil), data...)
	return nil
}

func (p *FakeProvider) Disconnect(h device.Handle) error {
	p.disconnects.Add(1)
	fh, ok := h.(*fakeHandle)
	if !ok {
		return device.ErrNotConnected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if live, ok := p.handles[fh.mac]; ok && live == fh {
		delete(p.handles, fh.mac)
	}
	return p.discErr
}

var _ device.Provider = (*FakeProvider)(nil)
