package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Retry policies applied after a failed status poll.
const (
	RetryFixed       = "fixed"
	RetryExponential = "exponential"
)

// Config holds runtime configuration for mdnsync
type Config struct {
	// SocketPath is the container daemon's unix socket.
	SocketPath   string        `json:"socket_path" yaml:"socket_path"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	// FetchTimeout bounds a single status call; 0 disables the timeout.
	FetchTimeout time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	// RetryPolicy is "fixed" (retry on the next interval) or "exponential"
	// (double the wait after each consecutive failure, capped at BackoffMax).
	RetryPolicy string        `json:"retry_policy" yaml:"retry_policy"`
	BackoffMax  time.Duration `json:"backoff_max" yaml:"backoff_max"`

	LogLevel string `json:"log_level" yaml:"log_level"` // "debug", "info", "warn", "error"
	LogFile  string `json:"log_file" yaml:"log_file"`

	// mDNS
	MDNSBackend string   `json:"mdns_backend" yaml:"mdns_backend"` // "zeroconf", "hashicorp", "avahi"
	Interfaces  []string `json:"interfaces" yaml:"interfaces"`
	// HostName overrides the advertised target host; defaults to "<hostname>.local."
	HostName string   `json:"host_name" yaml:"host_name"`
	TXT      []string `json:"txt" yaml:"txt"`

	// Containers carrying OptOutLabel=true are never advertised.
	OptOutLabel string `json:"opt_out_label" yaml:"opt_out_label"`

	// Metrics
	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsPort    int  `json:"metrics_port" yaml:"metrics_port"`

	// InfluxDB (push)
	InfluxURL      string        `json:"influx_url" yaml:"influx_url"`
	InfluxToken    string        `json:"influx_token" yaml:"influx_token"`
	InfluxOrg      string        `json:"influx_org" yaml:"influx_org"`
	InfluxBucket   string        `json:"influx_bucket" yaml:"influx_bucket"`
	InfluxInterval time.Duration `json:"influx_interval" yaml:"influx_interval"`

	// Notifications
	NotificationLevel string `json:"notification_level" yaml:"notification_level"` // "all", "failure", "none"
	GenericWebhookURL string `json:"generic_webhook_url" yaml:"generic_webhook_url"`
	SlackWebhook      string `json:"slack_webhook" yaml:"slack_webhook"`
	DiscordWebhook    string `json:"discord_webhook" yaml:"discord_webhook"`
}

// DefaultConfig returns a sane default configuration
func DefaultConfig() *Config {
	return &Config{
		SocketPath:   "/var/run/docker.sock",
		PollInterval: 2 * time.Second,
		FetchTimeout: 10 * time.Second,
		RetryPolicy:  RetryFixed,
		BackoffMax:   time.Minute,
		LogLevel:     "info",
		MDNSBackend:  "zeroconf",
		OptOutLabel:  "mdnsync.disable",

		// Metrics defaults (opt-in)
		MetricsEnabled: false,
		MetricsPort:    9090,

		InfluxInterval:    time.Minute,
		NotificationLevel: "all",
	}
}

// Check returns an error for settings the daemon cannot run with.
func (c *Config) Check() error {
	var errs []error
	if c.SocketPath == "" {
		errs = append(errs, errors.New("socket path is empty"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.FetchTimeout < 0 {
		errs = append(errs, fmt.Errorf("fetch timeout must not be negative, got %s", c.FetchTimeout))
	}
	switch strings.ToLower(c.RetryPolicy) {
	case RetryFixed, RetryExponential:
	default:
		errs = append(errs, fmt.Errorf("unknown retry policy %q", c.RetryPolicy))
	}
	switch strings.ToLower(c.MDNSBackend) {
	case "zeroconf", "hashicorp", "avahi":
	default:
		errs = append(errs, fmt.Errorf("unknown mdns backend %q", c.MDNSBackend))
	}
	if c.MetricsEnabled && (c.MetricsPort <= 0 || c.MetricsPort > 65535) {
		errs = append(errs, fmt.Errorf("invalid metrics port %d", c.MetricsPort))
	}
	return errors.Join(errs...)
}

// Validate returns a list of non-fatal configuration warnings.
func (c *Config) Validate() []string {
	var warnings []string
	checks := []struct {
		cond bool
		msg  string
	}{
		{c.InfluxURL != "" && c.InfluxBucket == "", "influx URL provided but bucket is missing"},
		{c.InfluxBucket != "" && c.InfluxURL == "", "influx bucket provided but URL is missing"},
		{c.RetryPolicy == RetryExponential && c.BackoffMax < c.PollInterval, "backoff_max is shorter than poll_interval; exponential backoff has no effect"},
		{c.FetchTimeout > 0 && c.FetchTimeout > c.PollInterval*10, "fetch_timeout is much longer than poll_interval; a hung daemon delays every poll"},
		{c.HostName != "" && !strings.HasSuffix(c.HostName, "."), "host_name should be fully qualified (end with '.')"},
		{c.MDNSBackend == "avahi" && len(c.Interfaces) > 0, "interfaces are ignored by the avahi backend"},
	}
	for _, ch := range checks {
		if ch.cond {
			warnings = append(warnings, ch.msg)
		}
	}
	if lvl := strings.ToLower(c.NotificationLevel); lvl != "all" && lvl != "failure" && lvl != "none" {
		warnings = append(warnings, fmt.Sprintf("unknown notification_level %q (expected all, failure or none)", c.NotificationLevel))
	}
	return warnings
}

// LoadConfigFromFile loads config from a YAML/JSON file
func LoadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
