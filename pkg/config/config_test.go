package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "go-ble", cfg.Backend)
	assert.Equal(t, DefaultSection, cfg.Section)
	assert.Equal(t, time.Second, cfg.ReloadInterval)
	assert.Equal(t, 5*time.Second, cfg.StopTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: logrus.DebugLevel,
		},
		{
			name:     "creates logger with info level",
			logLevel: logrus.InfoLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: logrus.WarnLevel,
		},
		{
			name:     "creates logger with error level",
			logLevel: logrus.ErrorLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				LogLevel: tt.logLevel,
			}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.logLevel, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}

	t.Run("json format selects the JSON formatter", func(t *testing.T) {
		cfg := &Config{LogLevel: logrus.InfoLevel, LogFormat: "JSON"}

		_, ok := cfg.NewLogger().Formatter.(*logrus.JSONFormatter)
		assert.True(t, ok)
	})
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:   "unknown log format",
			mutate: func(c *Config) { c.LogFormat = "xml" },
			key:    "log_format",
		},
		{
			name:   "zero reload interval",
			mutate: func(c *Config) { c.ReloadInterval = 0 },
			key:    "reload_interval",
		},
		{
			name:   "negative stop timeout",
			mutate: func(c *Config) { c.StopTimeout = -time.Second },
			key:    "stop_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.key == "" {
				assert.NoError(t, err)
				return
			}
			var cerr *Error
			if assert.ErrorAs(t, err, &cerr) {
				assert.Equal(t, tt.key, cerr.Key)
			}
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
