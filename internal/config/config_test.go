package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a new config file")
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("got %+v, want defaults", cfg)
	}

	// Second call loads the existing file.
	if _, created, err = Ensure(path); err != nil || created {
		t.Fatalf("second ensure: created=%v err=%v", created, err)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"broker":{"url":"wss://broker.example/mqtt"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Broker.URL != "wss://broker.example/mqtt" {
		t.Fatalf("broker.url = %q", cfg.Broker.URL)
	}
	// Untouched sections keep their defaults.
	if cfg.API.BaseURL != Default().API.BaseURL {
		t.Fatalf("api.base_url = %q, want default", cfg.API.BaseURL)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"http":{"addr":"127.0.0.1:9999"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9999" {
		t.Fatalf("http.addr = %q", cfg.HTTP.Addr)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DUOCHAT_BROKER_URL", "ws://override:9001/mqtt")
	t.Setenv("DUOCHAT_API_TIMEOUT", "3")

	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Broker.URL != "ws://override:9001/mqtt" {
		t.Fatalf("broker.url = %q", cfg.Broker.URL)
	}
	if cfg.API.TimeoutSec != 3 {
		t.Fatalf("api.timeout_seconds = %d", cfg.API.TimeoutSec)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad api scheme", func(c *Config) { c.API.BaseURL = "ftp://x" }},
		{"zero timeout", func(c *Config) { c.API.TimeoutSec = 0 }},
		{"broker not websocket", func(c *Config) { c.Broker.URL = "http://broker" }},
		{"bad stun entry", func(c *Config) { c.Media.STUNServers = []string{"udp:1.2.3.4"} }},
		{"empty http addr", func(c *Config) { c.HTTP.Addr = " " }},
		{"empty data dir", func(c *Config) { c.Paths.DataDir = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
