package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blegate/internal/devicefactory"
	"github.com/srg/blegate/internal/forwarder"
	"github.com/srg/blegate/internal/gateway"
	"github.com/srg/blegate/internal/groutine"
	"github.com/srg/blegate/internal/lua"
	"github.com/srg/blegate/pkg/config"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway",
	Long: `Run the BLE telemetry gateway until interrupted.

The BLE settings are read from a section of a gateway configuration file (JSON or YAML).
The file is re-read every --reload-interval: toggling "enabled", switching the forwarder
or changing intervals takes effect without a restart.

Example gateway.json:

  {
    "ble": {
      "enabled": true,
      "target_mac": "AA:BB:CC:DD:EE:FF",
      "service_id": "180d",
      "characteristic_id": "2a37",
      "operation_mode": "read",
      "forwarder_type": "queue",
      "forwarder_params": {"server": "broker.local", "topic": "gateway/ble/data"}
    }
  }`,
	Example: `  blegate run --config /etc/gateway/gateway.json
  blegate run --config gateway.yaml --backend tinygo --log-level debug
  blegate run --config gateway.json --write-script counter.lua`,
	RunE: runGateway,
}

var (
	runConfigPath     string
	runSection        string
	runBackend        string
	runWriteScript    string
	runReloadInterval time.Duration
	runStopTimeout    time.Duration
)

func init() {
	defaults := config.DefaultConfig()
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "Gateway configuration file (JSON or YAML)")
	runCmd.Flags().StringVar(&runSection, "section", defaults.Section, "Configuration section holding the BLE settings")
	runCmd.Flags().StringVarP(&runBackend, "backend", "b", defaults.Backend, fmt.Sprintf("BLE backend (%v)", devicefactory.Names()))
	runCmd.Flags().StringVar(&runWriteScript, "write-script", "", "Lua script whose next_value() supplies write payloads")
	runCmd.Flags().DurationVar(&runReloadInterval, "reload-interval", defaults.ReloadInterval, "Configuration poll interval")
	runCmd.Flags().DurationVar(&runStopTimeout, "stop-timeout", defaults.StopTimeout, "Maximum time to wait for loops on shutdown")
	_ = runCmd.MarkFlagRequired("config")
}

func runGateway(cmd *cobra.Command, _ []string) error {
	cfg := config.DefaultConfig()
	cfg.Section = runSection
	cfg.Backend = runBackend
	cfg.ReloadInterval = runReloadInterval
	cfg.StopTimeout = runStopTimeout

	logger, err := configureLogger(cmd, cfg, logrus.InfoLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	provider, err := devicefactory.New(cfg.Backend, logger)
	if err != nil {
		return err
	}

	opts := gateway.Options{
		Source:         config.NewFileSource(runConfigPath, cfg.Section),
		Provider:       provider,
		Forwarders:     forwarder.NewFactory(forwarder.Options{Logger: logger}),
		Logger:         logger,
		ReloadInterval: cfg.ReloadInterval,
		StopTimeout:    cfg.StopTimeout,
	}
	if runWriteScript != "" {
		values, err := lua.LoadValueProvider(runWriteScript, logger)
		if err != nil {
			return fmt.Errorf("failed to load write script: %w", err)
		}
		defer values.Close()
		opts.Values = values
	}

	ctrl, err := gateway.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bg groutine.Group
	bg.Go(ctx, "event-log", func(ctx context.Context) {
		logEvents(ctx, ctrl, logger)
	})
	defer func() {
		stop()
		bg.Wait(time.Second)
	}()

	logger.WithFields(logrus.Fields{
		"config":  runConfigPath,
		"section": cfg.Section,
		"backend": provider.Name(),
	}).Info("Starting BLE gateway")
	return ctrl.Run(ctx)
}

// logEvents drains the controller event stream into the log until ctx is done.
func logEvents(ctx context.Context, ctrl *gateway.Controller, logger *logrus.Logger) {
	events := ctrl.Events()
	for {
		select {
		case <-ctx.Done():
			if m := events.GetMetrics(); m.Overwritten > 0 {
				logger.WithField("dropped", m.Overwritten).Debug("Gateway events dropped")
			}
			return
		case ev, ok := <-events.C():
			if !ok {
				return
			}
			logger.WithField("event", ev.Kind).Debug(ev.String())
		}
	}
}
