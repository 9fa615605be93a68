package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegate/internal/forwarder"
	"github.com/srg/blegate/pkg/config"
)

// Loop names, also used as goroutine labels.
const (
	ScanLoop  = "scan-loop"
	ReadLoop  = "read-loop"
	WriteLoop = "write-loop"
)

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Controller) scanLoop(ctx context.Context) {
	logger := c.logger.WithField("loop", ScanLoop)
	logger.Debug("Loop started")
	defer logger.Debug("Loop exited")

	for {
		snap := c.Snapshot()
		started := time.Now()
		wait := snap.ScanInterval()

		if err := c.scanCycle(ctx, snap); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithField("error", err).Warn("Scan failed, backing off")
			wait = snap.ScanBackoff()
		} else {
			wait -= time.Since(started)
		}

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// scanCycle scans once and connects the target when it is visible and not yet connected.
// Only scan failures are returned; connect failures are logged and retried next cycle.
func (c *Controller) scanCycle(ctx context.Context, snap *config.Snapshot) error {
	target := snap.TargetMAC
	devices, err := c.provider.Scan(ctx, snap.ScanWindow())
	if err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{"loop": ScanLoop, "devices": len(devices)}).Debug("Scan completed")

	if target == "" || c.registry.IsConnected(target) {
		return nil
	}
	for _, d := range devices {
		if strings.EqualFold(d.MAC, target) {
			_ = c.connectTarget(ctx, snap, ScanLoop)
			break
		}
	}
	return nil
}

func (c *Controller) connectTarget(ctx context.Context, snap *config.Snapshot, loop string) error {
	_, err := c.registry.Connect(ctx, snap.TargetMAC, snap.ConnectTimeout())
	if err != nil && ctx.Err() == nil {
		c.logger.WithFields(logrus.Fields{
			"loop":    loop,
			"address": snap.TargetMAC,
			"error":   err,
		}).Warn("Failed to connect to target device")
	}
	return err
}

func (c *Controller) readLoop(ctx context.Context) {
	c.periodic(ctx, ReadLoop, (*config.Snapshot).ReadInterval, func(snap *config.Snapshot) bool {
		return snap.ReadsEnabled() && snap.HasTarget()
	}, c.readCycle)
}

func (c *Controller) writeLoop(ctx context.Context) {
	c.periodic(ctx, WriteLoop, (*config.Snapshot).WriteInterval, func(snap *config.Snapshot) bool {
		return snap.WritesEnabled() && snap.HasTarget()
	}, c.writeCycle)
}

// periodic runs cycle every interval(snapshot) while active(snapshot) holds. The snapshot is
// re-read on every cycle so reloads apply without a restart.
func (c *Controller) periodic(
	ctx context.Context,
	name string,
	interval func(*config.Snapshot) time.Duration,
	active func(*config.Snapshot) bool,
	cycle func(context.Context, *config.Snapshot),
) {
	logger := c.logger.WithField("loop", name)
	logger.Debug("Loop started")
	defer logger.Debug("Loop exited")

	for {
		snap := c.Snapshot()
		started := time.Now()
		if active(snap) {
			// A session that is absent is either re-dialed (auto_reconnect) or skipped.
			if !c.registry.IsConnected(snap.TargetMAC) {
				if snap.AutoReconnect {
					_ = c.connectTarget(ctx, snap, name)
				}
			} else {
				cycle(ctx, snap)
			}
		}
		if !sleepCtx(ctx, interval(snap)-time.Since(started)) {
			return
		}
	}
}

func (c *Controller) readCycle(ctx context.Context, snap *config.Snapshot) {
	logger := c.logger.WithFields(logrus.Fields{
		"loop":         ReadLoop,
		"address":      snap.TargetMAC,
		"service_uuid": snap.ServiceID,
		"char_uuid":    snap.CharacteristicID,
	})

	data, err := c.registry.Read(ctx, snap.TargetMAC, snap.ServiceID, snap.CharacteristicID, snap.IOTimeout())
	if err != nil {
		if ctx.Err() == nil {
			logger.WithField("error", err).Warn("Read failed")
		}
		return
	}
	if len(data) == 0 {
		logger.Debug("Read returned no data")
		return
	}

	env := forwarder.NewEnvelope(snap.TargetMAC, time.Now().UTC(), data)
	if err := c.forward(ctx, snap, env); err != nil {
		if ctx.Err() == nil {
			logger.WithFields(logrus.Fields{"error": err, "data_length": env.Len()}).Warn("Failed to forward telemetry, dropping data point")
		}
		return
	}
	logger.WithField("data_length", env.Len()).Debug("Telemetry forwarded")
}

func (c *Controller) writeCycle(ctx context.Context, snap *config.Snapshot) {
	logger := c.logger.WithFields(logrus.Fields{
		"loop":         WriteLoop,
		"address":      snap.TargetMAC,
		"service_uuid": snap.ServiceID,
		"char_uuid":    snap.CharacteristicID,
	})

	value, err := c.values.Next(ctx, snap)
	if err != nil {
		logger.WithField("error", err).Warn("Value provider failed")
		return
	}
	if len(value) == 0 {
		logger.Debug("No value to write")
		return
	}

	if err := c.registry.Write(ctx, snap.TargetMAC, snap.ServiceID, snap.CharacteristicID, value, snap.IOTimeout()); err != nil {
		if ctx.Err() == nil {
			logger.WithField("error", err).Warn("Write failed")
		}
		return
	}
	logger.WithField("bytes", len(value)).Debug("Value written")
}
