package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds daemon-level configuration that is not part of the hot-reloaded snapshot
type Config struct {
	LogLevel       logrus.Level  `json:"log_level"`
	LogFormat      string        `json:"log_format"` // text, json
	Backend        string        `json:"backend"`
	Section        string        `json:"section"`
	ReloadInterval time.Duration `json:"reload_interval"`
	StopTimeout    time.Duration `json:"stop_timeout"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		LogLevel:       logrus.InfoLevel,
		LogFormat:      "text",
		Backend:        "go-ble",
		Section:        DefaultSection,
		ReloadInterval: time.Second,
		StopTimeout:    5 * time.Second,
	}
}

// Validate checks daemon-level options
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return &Error{Key: "log_format", Msg: fmt.Sprintf("unsupported format %q (expected text or json)", c.LogFormat)}
	}
	if c.ReloadInterval <= 0 {
		return &Error{Key: "reload_interval", Msg: "must be positive"}
	}
	if c.StopTimeout <= 0 {
		return &Error{Key: "stop_timeout", Msg: "must be positive"}
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	if strings.EqualFold(c.LogFormat, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
		return logger
	}

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
