package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blegate/internal/device"
	"github.com/srg/blegate/internal/devicefactory"
	"github.com/srg/blegate/pkg/config"
	"golang.org/x/term"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for Bluetooth Low Energy devices in the vicinity and print their addresses,
names and signal strength. Use it to find the target_mac for the gateway configuration.`,
	RunE: runScan,
}

var (
	scanBackend  string
	scanDuration time.Duration
	scanFormat   string
)

func init() {
	scanCmd.Flags().StringVarP(&scanBackend, "backend", "b", config.DefaultConfig().Backend, fmt.Sprintf("BLE backend (%v)", devicefactory.Names()))
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
}

func runScan(cmd *cobra.Command, _ []string) error {
	// Validate format parameter
	validFormats := []string{"table", "json"}
	isValidFormat := false
	for _, format := range validFormats {
		if scanFormat == format {
			isValidFormat = true
			break
		}
	}
	if !isValidFormat {
		return fmt.Errorf("invalid format '%s': must be one of %v", scanFormat, validFormats)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("invalid duration %s: must be positive", scanDuration)
	}

	// Scans are quiet unless asked otherwise
	logger, err := configureLogger(cmd, config.DefaultConfig(), logrus.WarnLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	provider, err := devicefactory.New(scanBackend, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := provider.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.WithField("error", err).Warn("Failed to close BLE backend")
		}
	}()

	out := cmd.OutOrStdout()
	if scanFormat == "table" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Scanning for BLE devices (%s)...\n", scanDuration)
	}
	devices, err := provider.Scan(ctx, scanDuration)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		logger.WithError(err).Error("scan failed")
		return err
	}

	// Strongest signal first
	sort.SliceStable(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })

	if scanFormat == "json" {
		return displayDevicesJSON(out, devices)
	}
	return displayDevicesTable(out, devices, isTerminal(out))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// rssiColor grades signal strength: strong, usable, weak.
func rssiColor(rssi int) *color.Color {
	switch {
	case rssi >= -60:
		return color.New(color.FgGreen)
	case rssi >= -80:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func displayDevicesTable(out io.Writer, devices []device.DiscoveredDevice, colored bool) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI")
	fmt.Fprintln(w, "-------\t----\t----")

	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 24 {
			name = name[:21] + "..."
		}

		// Color only the last column so tabwriter alignment is unaffected
		rssi := fmt.Sprintf("%d dBm", d.RSSI)
		if colored {
			rssi = rssiColor(d.RSSI).Sprint(rssi)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.MAC, name, rssi)
	}

	return w.Flush()
}

func displayDevicesJSON(out io.Writer, devices []device.DiscoveredDevice) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}
