package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegate/internal/device"
	"golang.org/x/sync/singleflight"
)

// Session is a read-only view of a live device session. Zero LastRead/LastWrite mean none yet.
type Session struct {
	MAC         string
	ConnectedAt time.Time
	LastRead    time.Time
	LastWrite   time.Time
}

type session struct {
	Session // guarded by Registry.mu

	handle device.Handle
	opMu   sync.Mutex // serializes hardware access on handle
	closed bool       // guarded by opMu
}

// Registry tracks live device sessions keyed by MAC. It is the single writer of the session map
// and the only owner of device handles.
type Registry struct {
	provider device.Provider
	logger   *logrus.Logger
	notify   func(Event)

	flight singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewRegistry returns an open, empty registry.
func NewRegistry(provider device.Provider, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		provider: provider,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

func (r *Registry) publish(e Event) {
	if r.notify != nil {
		e.Time = time.Now()
		r.notify(e)
	}
}

// Open allows new connections again after Close.
func (r *Registry) Open() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = false
}

// Close disconnects every session and rejects further connects until Open.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.DisconnectAll()
}

func (r *Registry) lookup(mac string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[mac]
	return s, ok
}

func (r *Registry) view(s *session) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.Session
}

// Connect returns the session for mac, dialing the peripheral if none exists. Concurrent calls
// for one MAC share a single dial. timeout bounds the dial.
func (r *Registry) Connect(ctx context.Context, mac string, timeout time.Duration) (Session, error) {
	mac = device.NormalizeMAC(mac)
	if mac == "" {
		return Session{}, &device.ConnectionError{State: device.Unreachable, Msg: "empty device address"}
	}
	if s, ok := r.lookup(mac); ok {
		return r.view(s), nil
	}

	v, err, _ := r.flight.Do(mac, func() (any, error) {
		r.mu.Lock()
		if s, ok := r.sessions[mac]; ok {
			r.mu.Unlock()
			return r.view(s), nil
		}
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return nil, ErrRegistryClosed
		}

		logger := r.logger.WithField("address", mac)
		logger.Debug("Connecting to device...")

		connectCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		h, err := r.provider.Connect(connectCtx, mac)
		if err != nil {
			return nil, classifyConnectError(connectCtx, mac, err)
		}

		s := &session{handle: h, Session: Session{MAC: mac, ConnectedAt: time.Now()}}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			if derr := r.provider.Disconnect(h); derr != nil {
				logger.WithField("error", derr).Warn("Failed to release connection after registry close")
			}
			return nil, ErrRegistryClosed
		}
		r.sessions[mac] = s
		view := s.Session
		r.mu.Unlock()

		logger.Info("Device session created")
		r.publish(Event{Kind: EventConnected, MAC: mac})
		return view, nil
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

func classifyConnectError(ctx context.Context, mac string, err error) error {
	switch {
	case errors.Is(err, device.ErrAlreadyConnected),
		errors.Is(err, device.ErrConnectTimeout),
		errors.Is(err, device.ErrUnreachable):
		return err
	case errors.Is(err, device.ErrTimeout), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", device.ErrConnectTimeout, mac, err)
	default:
		return fmt.Errorf("%w: %s: %w", device.ErrUnreachable, mac, err)
	}
}

// Disconnect removes the session for mac and releases its handle. Release failures are logged;
// the session is removed regardless. Unknown MACs are ignored.
func (r *Registry) Disconnect(mac string) {
	mac = device.NormalizeMAC(mac)
	r.mu.Lock()
	s, ok := r.sessions[mac]
	if ok {
		delete(r.sessions, mac)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	r.release(s, "disconnect requested")
}

// DisconnectAll disconnects every tracked session.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	macs := make([]string, 0, len(r.sessions))
	for mac := range r.sessions {
		macs = append(macs, mac)
	}
	r.mu.Unlock()

	for _, mac := range macs {
		r.Disconnect(mac)
	}
}

// release closes s.handle. Callers hold s.opMu and have already removed s from the map.
func (r *Registry) release(s *session, reason string) {
	if s.closed {
		return
	}
	s.closed = true

	logger := r.logger.WithFields(logrus.Fields{"address": s.MAC, "reason": reason})
	if err := r.provider.Disconnect(s.handle); err != nil {
		logger.WithField("error", err).Warn("Failed to close device connection cleanly")
	} else {
		logger.Info("Device disconnected")
	}
	r.publish(Event{Kind: EventDisconnected, MAC: s.MAC, Detail: reason})
}

func (r *Registry) IsConnected(mac string) bool {
	_, ok := r.lookup(device.NormalizeMAC(mac))
	return ok
}

// Get returns the session for mac, if any.
func (r *Registry) Get(mac string) (Session, bool) {
	s, ok := r.lookup(device.NormalizeMAC(mac))
	if !ok {
		return Session{}, false
	}
	return r.view(s), true
}

// Sessions returns all live sessions ordered by MAC.
func (r *Registry) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Read reads a characteristic of the session for mac, bounded by timeout.
func (r *Registry) Read(ctx context.Context, mac, serviceID, charID string, timeout time.Duration) ([]byte, error) {
	var data []byte
	err := r.withSession(ctx, "read", mac, charID, timeout, func(ctx context.Context, s *session) error {
		var err error
		data, err = r.provider.Read(ctx, s.handle, serviceID, charID)
		if err == nil {
			r.mu.Lock()
			s.LastRead = time.Now()
			r.mu.Unlock()
		}
		return err
	})
	return data, err
}

// Write writes data to a characteristic of the session for mac, bounded by timeout.
func (r *Registry) Write(ctx context.Context, mac, serviceID, charID string, data []byte, timeout time.Duration) error {
	return r.withSession(ctx, "write", mac, charID, timeout, func(ctx context.Context, s *session) error {
		err := r.provider.Write(ctx, s.handle, serviceID, charID, data)
		if err == nil {
			r.mu.Lock()
			s.LastWrite = time.Now()
			r.mu.Unlock()
		}
		return err
	})
}

func (r *Registry) withSession(ctx context.Context, op, mac, charID string, timeout time.Duration, fn func(context.Context, *session) error) error {
	mac = device.NormalizeMAC(mac)
	ioErr := func(err error) error {
		return &device.IOError{Op: op, Address: mac, Characteristic: charID, Err: err}
	}

	s, ok := r.lookup(mac)
	if !ok {
		return ioErr(device.ErrNotConnected)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return ioErr(device.ErrNotConnected)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(opCtx, s)
	if err == nil {
		return nil
	}
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, device.ErrTimeout) {
		err = fmt.Errorf("%w: %w", device.ErrTimeout, err)
	}

	// A lost link is unrecoverable for this handle; drop it so scan or auto-reconnect can redial.
	if errors.Is(err, device.ErrNotConnected) {
		r.mu.Lock()
		if r.sessions[mac] == s {
			delete(r.sessions, mac)
		}
		r.mu.Unlock()
		r.release(s, "link lost")
	}
	return ioErr(err)
}
