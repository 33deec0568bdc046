// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all application configuration.
type Config struct {
	Port              string
	FrontendURL       string
	TempDir           string
	GRPCHealthAddr    string
	LogLevel          slog.Level
	DeviceDisplayName string
	UploadMaxBytes    int64
	PairRatePerMinute int
	// TrustedProxies lists the peers whose forwarding headers are believed.
	// Empty means the caller address is always the TCP peer.
	TrustedProxies []netip.Prefix

	Session SessionConfig
}

// SessionConfig tunes session lifecycle and delivery timing.
type SessionConfig struct {
	TTL                    time.Duration
	SweepSchedule          string
	PairSettleDelay        time.Duration
	ReconnectDelay         time.Duration
	ReconnectRetryDelay    time.Duration
	ConnectionPollInterval time.Duration
	SendRetryDelay         time.Duration
	LogTrimSize            int
	LogViewSize            int
	LogHardCap             int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "5000"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		TempDir:           getEnv("TEMP_DIR", "./temp"),
		GRPCHealthAddr:    getEnv("GRPC_HEALTH_ADDR", ""),
		LogLevel:          getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		DeviceDisplayName: getEnv("DEVICE_DISPLAY_NAME", "Chrome (Linux)"),
		UploadMaxBytes:    int64(getEnvInt("UPLOAD_MAX_BYTES", 5<<20)),
		PairRatePerMinute: getEnvInt("PAIR_RATE_PER_MINUTE", 6),
		Session: SessionConfig{
			TTL:                    getEnvDuration("SESSION_TTL", 24*time.Hour),
			SweepSchedule:          getEnv("SWEEP_SCHEDULE", "@every 1h"),
			PairSettleDelay:        getEnvDuration("PAIR_SETTLE_DELAY", 1500*time.Millisecond),
			ReconnectDelay:         getEnvDuration("RECONNECT_DELAY", 10*time.Second),
			ReconnectRetryDelay:    getEnvDuration("RECONNECT_RETRY_DELAY", 30*time.Second),
			ConnectionPollInterval: getEnvDuration("CONNECTION_POLL_INTERVAL", 10*time.Second),
			SendRetryDelay:         getEnvDuration("SEND_RETRY_DELAY", 5*time.Second),
			LogTrimSize:            getEnvInt("LOG_TRIM_SIZE", 200),
			LogViewSize:            getEnvInt("LOG_VIEW_SIZE", 100),
			LogHardCap:             getEnvInt("LOG_HARD_CAP", 1000),
		},
	}

	proxies, err := parsePrefixes(getEnv("TRUSTED_PROXIES", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: TRUSTED_PROXIES: %w", err)
	}
	cfg.TrustedProxies = proxies

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.TempDir == "" {
		return fmt.Errorf("TEMP_DIR cannot be empty")
	}
	if c.UploadMaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be > 0")
	}
	if c.PairRatePerMinute < 0 {
		return fmt.Errorf("PAIR_RATE_PER_MINUTE must be >= 0")
	}

	s := c.Session
	if s.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if _, err := cron.ParseStandard(s.SweepSchedule); err != nil {
		return fmt.Errorf("SWEEP_SCHEDULE is invalid: %w", err)
	}
	for name, d := range map[string]time.Duration{
		"RECONNECT_DELAY":          s.ReconnectDelay,
		"RECONNECT_RETRY_DELAY":    s.ReconnectRetryDelay,
		"CONNECTION_POLL_INTERVAL": s.ConnectionPollInterval,
		"SEND_RETRY_DELAY":         s.SendRetryDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if s.PairSettleDelay < 0 {
		return fmt.Errorf("PAIR_SETTLE_DELAY must be >= 0")
	}
	if s.LogTrimSize <= 0 || s.LogViewSize <= 0 {
		return fmt.Errorf("LOG_TRIM_SIZE and LOG_VIEW_SIZE must be > 0")
	}
	if s.LogHardCap < s.LogTrimSize {
		return fmt.Errorf("LOG_HARD_CAP must be >= LOG_TRIM_SIZE")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or bare integers as seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return lvl
}

// parsePrefixes reads a comma-separated list of CIDRs or bare addresses.
func parsePrefixes(value string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if getEnvBool("CONTAINER", false) {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
