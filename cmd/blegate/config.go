package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blegate/pkg/config"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective BLE configuration",
	Long: `Load the BLE section of a gateway configuration file and print the snapshot the gateway
would run with: defaults filled in, legacy keys translated, identifiers normalized.
Exits with an error if the section is invalid.`,
	Example: `  blegate config --config gateway.json
  blegate config --config gateway.yaml --section bluetooth`,
	RunE: runConfig,
}

var (
	configPath    string
	configSection string
)

func init() {
	configCmd.Flags().StringVarP(&configPath, "config", "c", "", "Gateway configuration file (JSON or YAML)")
	configCmd.Flags().StringVar(&configSection, "section", config.DefaultSection, "Configuration section holding the BLE settings")
	_ = configCmd.MarkFlagRequired("config")
}

func runConfig(cmd *cobra.Command, _ []string) error {
	if _, err := configureLogger(cmd, config.DefaultConfig(), logrus.WarnLevel); err != nil {
		return err
	}
	cmd.SilenceUsage = true

	snap, err := config.NewFileSource(configPath, configSection).Load(cmd.Context())
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return err
	}
	return enc.Close()
}
