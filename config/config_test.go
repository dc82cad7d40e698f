package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `klineflow:
  name: "TestApp"
  version: "1.0"
binance:
  ws_url: "wss://stream.binance.com:9443/stream"
  pairs: ["BTCUSDT"]
  timeframes: ["1m", "1h"]
archive:
  enabled: false
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Klineflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Klineflow.Name)
	}
	if cfg.Binance.PingInterval != 20*time.Second {
		t.Errorf("unexpected ping interval: %v", cfg.Binance.PingInterval)
	}
	if cfg.Binance.Reconnect.MaxAttempts != 5 {
		t.Errorf("unexpected max attempts: %d", cfg.Binance.Reconnect.MaxAttempts)
	}
	if cfg.Binance.Reconnect.MaxDelay != 300*time.Second {
		t.Errorf("unexpected max delay: %v", cfg.Binance.Reconnect.MaxDelay)
	}
}

func TestLoadConfigInvalidTimeframe(t *testing.T) {
	content := `klineflow:
  name: "TestApp"
  version: "1.0"
binance:
  ws_url: "wss://stream.binance.com:9443/stream"
  timeframes: ["7m"]
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatalf("expected error for unsupported timeframe")
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "localhost", Port: 5432, User: "kf", Password: "pw", Database: "klines"}
	want := "host=localhost port=5432 user=kf password=pw dbname=klines sslmode=disable"
	if got := p.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestAppEnvironment(t *testing.T) {
	cases := []struct {
		value string
		want  string
	}{
		{"", "development"},
		{"prod", "production"},
		{"Stage", "staging"},
		{"production", "production"},
	}
	for _, c := range cases {
		t.Setenv("APP_ENV", c.value)
		if got := AppEnvironment(); got != c.want {
			t.Errorf("AppEnvironment() with APP_ENV=%q = %q, want %q", c.value, got, c.want)
		}
	}
}

func TestIsProductionLike(t *testing.T) {
	if !IsProductionLike("production") || !IsProductionLike("staging") {
		t.Errorf("production and staging should be production-like")
	}
	if IsProductionLike("development") {
		t.Errorf("development should not be production-like")
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
