package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Session.TTL != 24*time.Hour {
		t.Errorf("TTL = %v, want 24h", cfg.Session.TTL)
	}
	if cfg.Session.ReconnectDelay != 10*time.Second {
		t.Errorf("ReconnectDelay = %v, want 10s", cfg.Session.ReconnectDelay)
	}
	if cfg.Session.PairSettleDelay != 1500*time.Millisecond {
		t.Errorf("PairSettleDelay = %v, want 1.5s", cfg.Session.PairSettleDelay)
	}
	if cfg.Session.LogTrimSize != 200 || cfg.Session.LogViewSize != 100 {
		t.Errorf("unexpected log sizes %d/%d", cfg.Session.LogTrimSize, cfg.Session.LogViewSize)
	}
	if len(cfg.TrustedProxies) != 0 {
		t.Errorf("TrustedProxies = %v, want none by default", cfg.TrustedProxies)
	}
}

func TestLoad_TrustedProxies(t *testing.T) {
	t.Setenv("TRUSTED_PROXIES", " 10.0.0.0/8, 192.0.2.7 ,::ffff:198.51.100.1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"10.0.0.0/8", "192.0.2.7/32", "198.51.100.1/32"}
	if len(cfg.TrustedProxies) != len(want) {
		t.Fatalf("TrustedProxies = %v, want %v", cfg.TrustedProxies, want)
	}
	for i, p := range cfg.TrustedProxies {
		if p.String() != want[i] {
			t.Errorf("prefix %d = %s, want %s", i, p, want[i])
		}
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SESSION_TTL", "2h")
	t.Setenv("RECONNECT_DELAY", "3")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TEMP_DIR", "/var/lib/pairsend")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Session.TTL != 2*time.Hour {
		t.Errorf("TTL = %v, want 2h", cfg.Session.TTL)
	}
	if cfg.Session.ReconnectDelay != 3*time.Second {
		t.Errorf("ReconnectDelay = %v, want 3s", cfg.Session.ReconnectDelay)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.TempDir != "/var/lib/pairsend" {
		t.Errorf("TempDir = %q", cfg.TempDir)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"bad schedule", "SWEEP_SCHEDULE", "every hour please", "SWEEP_SCHEDULE"},
		{"zero retry", "SEND_RETRY_DELAY", "0s", "SEND_RETRY_DELAY"},
		{"hard cap below trim", "LOG_HARD_CAP", "10", "LOG_HARD_CAP"},
		{"empty temp dir", "TEMP_DIR", "", "TEMP_DIR"},
		{"bad proxy", "TRUSTED_PROXIES", "10.0.0.0/8,not-an-ip", "TRUSTED_PROXIES"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("FLAG_ON", "yes")
	t.Setenv("FLAG_JUNK", "maybe")
	if !getEnvBool("FLAG_ON", false) {
		t.Error("expected yes to parse as true")
	}
	if !getEnvBool("FLAG_JUNK", true) {
		t.Error("expected fallback for unparseable value")
	}
}
