package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides reads configuration values from environment variables and
// overrides fields in the provided Config. Returns an error if parsing fails.
//
// Environment variables supported:
// - MDNSYNC_SOCKET_PATH (string)
// - MDNSYNC_POLL_INTERVAL (duration, e.g. "2s")
// - MDNSYNC_FETCH_TIMEOUT (duration)
// - MDNSYNC_RETRY_POLICY ("fixed" or "exponential")
// - MDNSYNC_BACKOFF_MAX (duration)
// - MDNSYNC_LOG_LEVEL, MDNSYNC_LOG_FILE
// - MDNSYNC_MDNS_BACKEND, MDNSYNC_INTERFACES (comma separated), MDNSYNC_HOST_NAME, MDNSYNC_TXT (comma separated)
// - MDNSYNC_OPT_OUT_LABEL
// - MDNSYNC_METRICS_ENABLED (bool), MDNSYNC_METRICS_PORT (int)
// - MDNSYNC_INFLUX_URL, MDNSYNC_INFLUX_TOKEN, MDNSYNC_INFLUX_ORG, MDNSYNC_INFLUX_BUCKET, MDNSYNC_INFLUX_INTERVAL
// - MDNSYNC_NOTIFICATION_LEVEL, MDNSYNC_GENERIC_WEBHOOK_URL, MDNSYNC_SLACK_WEBHOOK, MDNSYNC_DISCORD_WEBHOOK
func ApplyEnvOverrides(cfg *Config) error {
	// Polling and the status source
	if err := applyPollEnv(cfg); err != nil {
		return err
	}

	// mDNS
	applyMDNSEnv(cfg)

	// Metrics
	if err := applyMetricsEnv(cfg); err != nil {
		return err
	}

	// Influx
	if err := applyInfluxEnv(cfg); err != nil {
		return err
	}

	// Logging and notifications
	applyStringEnv(map[string]*string{
		"MDNSYNC_LOG_LEVEL":           &cfg.LogLevel,
		"MDNSYNC_LOG_FILE":            &cfg.LogFile,
		"MDNSYNC_NOTIFICATION_LEVEL":  &cfg.NotificationLevel,
		"MDNSYNC_GENERIC_WEBHOOK_URL": &cfg.GenericWebhookURL,
		"MDNSYNC_SLACK_WEBHOOK":       &cfg.SlackWebhook,
		"MDNSYNC_DISCORD_WEBHOOK":     &cfg.DiscordWebhook,
	})
	return nil
}

func applyPollEnv(cfg *Config) error {
	if v := os.Getenv("MDNSYNC_SOCKET_PATH"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("MDNSYNC_RETRY_POLICY"); v != "" {
		cfg.RetryPolicy = strings.ToLower(v)
	}
	for env, dst := range map[string]*time.Duration{
		"MDNSYNC_POLL_INTERVAL": &cfg.PollInterval,
		"MDNSYNC_FETCH_TIMEOUT": &cfg.FetchTimeout,
		"MDNSYNC_BACKOFF_MAX":   &cfg.BackoffMax,
	} {
		if err := setDurationEnv(env, dst); err != nil {
			return err
		}
	}
	return nil
}

func applyMDNSEnv(cfg *Config) {
	if v := os.Getenv("MDNSYNC_MDNS_BACKEND"); v != "" {
		cfg.MDNSBackend = strings.ToLower(v)
	}
	if v := os.Getenv("MDNSYNC_HOST_NAME"); v != "" {
		cfg.HostName = v
	}
	if v := os.Getenv("MDNSYNC_OPT_OUT_LABEL"); v != "" {
		cfg.OptOutLabel = v
	}
	if v := os.Getenv("MDNSYNC_INTERFACES"); v != "" {
		cfg.Interfaces = splitList(v)
	}
	if v := os.Getenv("MDNSYNC_TXT"); v != "" {
		cfg.TXT = splitList(v)
	}
}

// applyMetricsEnv consolidates metrics-related env parsing
func applyMetricsEnv(cfg *Config) error {
	if err := setBoolEnv("MDNSYNC_METRICS_ENABLED", func(b bool) { cfg.MetricsEnabled = b }); err != nil {
		return err
	}
	if v := os.Getenv("MDNSYNC_METRICS_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MDNSYNC_METRICS_PORT: %w", err)
		}
		cfg.MetricsPort = p
	}
	return nil
}

// applyInfluxEnv consolidates Influx-related env parsing
func applyInfluxEnv(cfg *Config) error {
	applyStringEnv(map[string]*string{
		"MDNSYNC_INFLUX_URL":    &cfg.InfluxURL,
		"MDNSYNC_INFLUX_TOKEN":  &cfg.InfluxToken,
		"MDNSYNC_INFLUX_ORG":    &cfg.InfluxOrg,
		"MDNSYNC_INFLUX_BUCKET": &cfg.InfluxBucket,
	})
	return setDurationEnv("MDNSYNC_INFLUX_INTERVAL", &cfg.InfluxInterval)
}

func applyStringEnv(vars map[string]*string) {
	for env, dst := range vars {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

func setDurationEnv(env string, dst *time.Duration) error {
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		*dst = d
	}
	return nil
}

// setBoolEnv is a small helper to parse boolean environment variables
func setBoolEnv(env string, setter func(bool)) error {
	if v := os.Getenv(env); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		setter(b)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
