package testutils

import (
	"context"
	"sync"

	"github.com/srg/blegate/internal/forwarder"
	"github.com/srg/blegate/pkg/config"
)

// RecordingForwarder captures every envelope it is asked to send.
type RecordingForwarder struct {
	Name string

	mu       sync.Mutex
	sent     []forwarder.Envelope
	attempts int
	err      error
	closed   bool
	afterUse bool
}

func NewRecordingForwarder(name string) *RecordingForwarder {
	return &RecordingForwarder{Name: name}
}

// FailWith makes subsequent sends return err; nil restores success.
func (f *RecordingForwarder) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *RecordingForwarder) Send(_ context.Context, env forwarder.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.closed {
		f.afterUse = true
		return forwarder.ErrClosed
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *RecordingForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Sent returns the envelopes delivered successfully.
func (f *RecordingForwarder) Sent() []forwarder.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forwarder.Envelope(nil), f.sent...)
}

// Attempts counts every Send call, failed ones included.
func (f *RecordingForwarder) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *RecordingForwarder) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// UsedAfterClose reports whether Send reached this forwarder after Close.
func (f *RecordingForwarder) UsedAfterClose() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.afterUse
}

// ForwarderSet is a forwarder.Factory that builds one RecordingForwarder per snapshot,
// named after its forwarder_type.
type ForwarderSet struct {
	mu    sync.Mutex
	built []*RecordingForwarder
	err   error
}

// FailNext makes every forwarder built from now on fail its sends with err.
func (s *ForwarderSet) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *ForwarderSet) Factory() forwarder.Factory {
	return func(snap *config.Snapshot) (*forwarder.Lazy, error) {
		s.mu.Lock()
		rf := NewRecordingForwarder(string(snap.ForwarderType))
		rf.err = s.err
		s.built = append(s.built, rf)
		s.mu.Unlock()

		return forwarder.NewLazy(rf.Name, func(context.Context) (forwarder.Forwarder, error) {
			return rf, nil
		}, nil), nil
	}
}

// Built returns the forwarders created so far, oldest first.
func (s *ForwarderSet) Built() []*RecordingForwarder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*RecordingForwarder(nil), s.built...)
}

// Last returns the most recently built forwarder, or nil.
func (s *ForwarderSet) Last() *RecordingForwarder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.built) == 0 {
		return nil
	}
	return s.built[len(s.built)-1]
}
