package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegate/internal/device"
	"github.com/srg/blegate/internal/forwarder"
	"github.com/srg/blegate/internal/groutine"
	"github.com/srg/blegate/internal/ringchan"
	"github.com/srg/blegate/pkg/config"
)

// State is the controller lifecycle state
type State string

const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateReloading State = "reloading"
	StateStopping  State = "stopping"
)

// Options configures a Controller.
type Options struct {
	Source     config.Source
	Provider   device.Provider
	Forwarders forwarder.Factory // nil selects forwarder.NewFactory
	Values     ValueProvider     // nil selects ConfigValue
	Logger     *logrus.Logger

	ReloadInterval time.Duration `default:"1s"`
	StopTimeout    time.Duration `default:"5s"`
	EventBuffer    int           `default:"64"`
}

// Controller owns the configuration snapshot, the forwarder and the loops.
// Start, Reload and Stop are serialized.
type Controller struct {
	source     config.Source
	provider   device.Provider
	forwarders forwarder.Factory
	values     ValueProvider
	logger     *logrus.Logger
	opts       Options

	registry *Registry
	events   *ringchan.RingChannel[Event]

	lifecycle sync.Mutex
	state     atomic.Value // State
	snap      atomic.Pointer[config.Snapshot]

	fwdMu  sync.RWMutex
	fwd    *forwarder.Lazy
	fwdErr error

	// Set while running; guarded by lifecycle.
	loopCtx context.Context
	cancel  context.CancelFunc
	group   *groutine.Group
}

// New builds a stopped controller.
func New(opts Options) (*Controller, error) {
	if opts.Source == nil {
		return nil, errors.New("gateway: configuration source is required")
	}
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Forwarders == nil {
		opts.Forwarders = forwarder.NewFactory(forwarder.Options{Logger: opts.Logger})
	}
	if opts.Values == nil {
		opts.Values = ConfigValue{}
	}

	c := &Controller{
		source:     opts.Source,
		provider:   opts.Provider,
		forwarders: opts.Forwarders,
		values:     opts.Values,
		logger:     opts.Logger,
		opts:       opts,
		registry:   NewRegistry(opts.Provider, opts.Logger),
		events:     ringchan.New[Event](opts.EventBuffer),
	}
	c.registry.notify = c.publish
	c.state.Store(StateStopped)
	return c, nil
}

func (c *Controller) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	c.events.Send(e)
}

func (c *Controller) setState(s State) {
	prev := c.state.Swap(s)
	if prev == s {
		return
	}
	c.logger.WithFields(logrus.Fields{"state": s, "previous": prev}).Info("BLE service state changed")
	c.publish(Event{Kind: EventStateChanged, State: s})
}

func (c *Controller) State() State { return c.state.Load().(State) }

// Snapshot returns the current configuration snapshot, or nil before the first load.
func (c *Controller) Snapshot() *config.Snapshot { return c.snap.Load() }

func (c *Controller) Registry() *Registry { return c.registry }

// Events returns the controller event stream.
func (c *Controller) Events() *ringchan.RingChannel[Event] { return c.events }

// ActiveLoops returns the number of loop goroutines that have not exited.
func (c *Controller) ActiveLoops() int {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.group == nil {
		return 0
	}
	return c.group.Active()
}

// LoopRunning reports whether the named loop is running.
func (c *Controller) LoopRunning(name string) bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.group != nil && c.group.Running(name)
}

// Start loads the configuration and, if the service is enabled, brings it to Running.
// A disabled service reports success and stays Stopped. Starting a running controller is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.State() == StateRunning {
		return nil
	}
	snap, err := c.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigUnavailable, err)
	}
	return c.start(ctx, snap)
}

func (c *Controller) start(ctx context.Context, snap *config.Snapshot) error {
	c.snap.Store(snap)
	logger := c.logger.WithFields(logrus.Fields{
		"address":   snap.TargetMAC,
		"mode":      snap.OperationMode,
		"forwarder": snap.ForwarderType,
	})
	if !snap.Enabled {
		logger.Info("BLE service disabled, staying idle")
		return nil
	}

	c.setState(StateStarting)
	if c.provider == nil {
		c.setState(StateStopped)
		return fmt.Errorf("%w: no BLE backend configured", ErrCapabilityUnavailable)
	}
	if err := c.provider.Open(ctx); err != nil {
		c.setState(StateStopped)
		return fmt.Errorf("%w: %s: %w", ErrCapabilityUnavailable, c.provider.Name(), err)
	}
	c.registry.Open()

	c.initialConnect(ctx, snap)
	c.installForwarder(snap)
	c.fwdMu.RLock()
	fwd := c.fwd
	c.fwdMu.RUnlock()
	if fwd != nil {
		warmCtx, cancel := context.WithTimeout(ctx, snap.SendTimeout())
		if err := fwd.Warm(warmCtx); err != nil {
			logger.WithField("error", err).Warn("Forwarder setup failed, will retry on first send")
		}
		cancel()
	}

	c.loopCtx, c.cancel = context.WithCancel(context.Background())
	c.group = &groutine.Group{}
	c.ensureLoops(snap)

	c.setState(StateRunning)
	logger.Info("BLE service started")
	return nil
}

// initialConnect performs one scan and then tries the configured target if it is still not
// connected. Failures are logged; the scan loop keeps trying.
func (c *Controller) initialConnect(ctx context.Context, snap *config.Snapshot) {
	if err := c.scanCycle(ctx, snap); err != nil {
		c.logger.WithField("error", err).Warn("Initial scan failed")
	}
	if snap.TargetMAC != "" && !c.registry.IsConnected(snap.TargetMAC) {
		_ = c.connectTarget(ctx, snap, "start")
	}
}

// ensureLoops starts every loop the snapshot needs that is not already running. Loops that are
// no longer needed stay alive and idle.
func (c *Controller) ensureLoops(snap *config.Snapshot) {
	start := func(name string, fn func(context.Context)) {
		if c.group.Running(name) {
			return
		}
		c.group.Go(c.loopCtx, name, fn)
	}

	start(ScanLoop, c.scanLoop)
	if snap.HasTarget() && snap.ReadsEnabled() {
		start(ReadLoop, c.readLoop)
	}
	if snap.HasTarget() && snap.WritesEnabled() {
		start(WriteLoop, c.writeLoop)
	}
}

// installForwarder replaces the active forwarder and closes the previous one. Sends in
// flight finish on the old forwarder before it is swapped out.
func (c *Controller) installForwarder(snap *config.Snapshot) {
	var next *forwarder.Lazy
	var buildErr error
	if snap != nil {
		next, buildErr = c.forwarders(snap)
		if buildErr != nil {
			c.logger.WithFields(logrus.Fields{
				"forwarder": snap.ForwarderType,
				"error":     buildErr,
			}).Error("Forwarder is not configured")
		}
	}

	c.fwdMu.Lock()
	prev := c.fwd
	c.fwd, c.fwdErr = next, buildErr
	c.fwdMu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			c.logger.WithFields(logrus.Fields{"forwarder": prev.Name(), "error": err}).Warn("Failed to close forwarder")
		}
	}
}

func (c *Controller) forward(ctx context.Context, snap *config.Snapshot, env forwarder.Envelope) error {
	c.fwdMu.RLock()
	defer c.fwdMu.RUnlock()

	if c.fwd == nil {
		if c.fwdErr != nil {
			return c.fwdErr
		}
		return forwarder.ErrNotConfigured
	}
	sendCtx, cancel := context.WithTimeout(ctx, snap.SendTimeout())
	defer cancel()
	return c.fwd.Send(sendCtx, env)
}

// Reload loads a fresh snapshot and applies it. On a load failure the prior snapshot is kept.
func (c *Controller) Reload(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	next, err := c.source.Load(ctx)
	if err != nil {
		c.logger.WithField("error", err).Warn("Failed to reload configuration, keeping previous snapshot")
		c.publish(Event{Kind: EventReloadFailed, Detail: err.Error()})
		return fmt.Errorf("%w: %w", ErrConfigUnavailable, err)
	}

	prev := c.Snapshot()
	running := c.State() == StateRunning
	switch {
	case running && !next.Enabled:
		c.snap.Store(next)
		c.logger.Info("BLE service disabled by configuration")
		return c.stop()
	case !running && next.Enabled:
		return c.start(ctx, next)
	case !running:
		c.snap.Store(next)
		return nil
	}

	c.setState(StateReloading)
	c.apply(prev, next)
	c.setState(StateRunning)
	return nil
}

func (c *Controller) apply(prev, next *config.Snapshot) {
	c.snap.Store(next)

	if !prev.SameForwarder(next) {
		c.installForwarder(next)
		c.logger.WithFields(logrus.Fields{
			"previous":  prev.ForwarderType,
			"forwarder": next.ForwarderType,
		}).Info("Forwarder replaced")
		c.publish(Event{Kind: EventForwarderSwapped, Detail: string(next.ForwarderType)})
	}

	if prev.TargetMAC != "" && prev.TargetMAC != next.TargetMAC {
		c.logger.WithFields(logrus.Fields{
			"previous": prev.TargetMAC,
			"address":  next.TargetMAC,
		}).Info("Target device changed")
		c.registry.Disconnect(prev.TargetMAC)
	}

	c.ensureLoops(next)
}

// Stop cancels the loops, waits for them (bounded), disconnects every session and tears down
// the forwarder. Stopping a stopped controller is a no-op.
func (c *Controller) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.State() == StateStopped {
		return nil
	}
	return c.stop()
}

func (c *Controller) stop() error {
	c.setState(StateStopping)

	var err error
	if c.cancel != nil {
		c.cancel()
		if !c.group.Wait(c.opts.StopTimeout) {
			c.logger.WithField("active", c.group.Active()).Error("Loops did not stop within timeout")
			err = fmt.Errorf("%w: %d still running after %s", ErrStopTimeout, c.group.Active(), c.opts.StopTimeout)
		}
		c.cancel = nil
	}

	c.registry.Close()
	c.installForwarder(nil)
	if c.provider != nil {
		if cerr := c.provider.Close(); cerr != nil {
			c.logger.WithField("error", cerr).Warn("Failed to close BLE backend")
		}
	}

	c.setState(StateStopped)
	c.logger.Info("BLE service stopped")
	return err
}

// Run starts the controller, polls the configuration every ReloadInterval and stops when ctx
// is done.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(c.opts.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.Stop()
		case <-ticker.C:
			if err := c.Reload(ctx); err != nil && ctx.Err() == nil {
				c.logger.WithField("error", err).Debug("Reload failed")
			}
		}
	}
}
