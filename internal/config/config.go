// Package config loads blelink settings from an optional YAML file layered
// over struct-tag defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/scanner"
	"github.com/srg/blelink/internal/session"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	SettleDelay         time.Duration `yaml:"settle_delay" default:"500ms"`
	RecoveryInterval    time.Duration `yaml:"recovery_interval" default:"500ms"`
	AbnormalStatus      int           `yaml:"abnormal_status" default:"133"`
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts" default:"0"`
	ReportRecovery      bool          `yaml:"report_recovery" default:"false"`

	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
	RetryDialTimeout bool          `yaml:"retry_dial_timeout" default:"false"`
	ScanDuration     time.Duration `yaml:"scan_duration" default:"10s"`

	EventQueueSize  int `yaml:"event_queue_size" default:"128"`
	TraceBufferSize int `yaml:"trace_buffer_size" default:"1024"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse overlays YAML data onto cfg and validates the result. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return cfg.Validate()
}

// Validate checks value ranges
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.SettleDelay < 0 {
		errs = append(errs, errors.New("settle_delay must not be negative"))
	}
	if c.RecoveryInterval < 0 {
		errs = append(errs, errors.New("recovery_interval must not be negative"))
	}
	if c.AbnormalStatus <= 0 {
		errs = append(errs, fmt.Errorf("abnormal_status must be a positive status code, got %d", c.AbnormalStatus))
	}
	if c.MaxRecoveryAttempts < 0 {
		errs = append(errs, errors.New("max_recovery_attempts must not be negative"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if c.ScanDuration < 0 {
		errs = append(errs, errors.New("scan_duration must not be negative"))
	}
	if c.EventQueueSize <= 0 {
		errs = append(errs, errors.New("event_queue_size must be positive"))
	}
	if c.TraceBufferSize <= 0 {
		errs = append(errs, errors.New("trace_buffer_size must be positive"))
	}
	return errors.Join(errs...)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// SessionOptions converts the session related settings
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		SettleDelay:         c.SettleDelay,
		RecoveryInterval:    c.RecoveryInterval,
		AbnormalStatus:      device.Status(c.AbnormalStatus),
		MaxRecoveryAttempts: c.MaxRecoveryAttempts,
		ReportRecovery:      c.ReportRecovery,
		EventBuffer:         c.EventQueueSize,
	}
}

// ScanOptions converts the scan related settings
func (c *Config) ScanOptions() scanner.Options {
	opts := scanner.DefaultOptions()
	opts.Duration = c.ScanDuration
	return opts
}
