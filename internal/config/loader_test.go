package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithEnvOnly(t *testing.T) {
	cacheDir := t.TempDir()
	t.Setenv(EnvCachePath, cacheDir)
	t.Setenv(EnvListenAddress, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatalf("explicit missing config file should fail")
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.ListenAddress != DefaultListenAddress {
		t.Fatalf("unexpected listen address: %s", cfg.ListenAddress)
	}
	if cfg.CachePath != cacheDir {
		t.Fatalf("cache path should come from %s, got %s", EnvCachePath, cfg.CachePath)
	}
	if cfg.CacheTTL.DurationValue() != 24*time.Hour {
		t.Fatalf("unexpected cache ttl: %v", cfg.CacheTTL.DurationValue())
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("unexpected max retries: %d", cfg.MaxRetries)
	}
}

func TestLoadMissingCachePathFatal(t *testing.T) {
	t.Setenv(EnvCachePath, "")

	_, err := Load("")
	if err == nil {
		t.Fatalf("expected configuration error when %s unset", EnvCachePath)
	}
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "CachePath" {
		t.Fatalf("expected CachePath field error, got %v", err)
	}
}

func TestLoadFileValuesAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	content := `
ListenAddress = "127.0.0.1:8080"
CachePath = "./file-cache"
MaxCacheBytes = 2048
CacheTTL = "2h"
MaxRetries = 1
InitialBackoff = "250ms"
UpstreamTimeout = "5s"
KeyHeaders = ["Accept-Encoding"]
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	envDir := t.TempDir()
	t.Setenv(EnvCachePath, envDir)
	t.Setenv(EnvListenAddress, "")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:8080" {
		t.Fatalf("unexpected listen address: %s", cfg.ListenAddress)
	}
	if cfg.CachePath != envDir {
		t.Fatalf("env should win over file cache path, got %s", cfg.CachePath)
	}
	if cfg.CacheTTL.DurationValue() != 2*time.Hour {
		t.Fatalf("unexpected cache ttl: %v", cfg.CacheTTL.DurationValue())
	}
	if cfg.InitialBackoff.DurationValue() != 250*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", cfg.InitialBackoff.DurationValue())
	}
	if len(cfg.KeyHeaders) != 1 || cfg.KeyHeaders[0] != "Accept-Encoding" {
		t.Fatalf("unexpected key headers: %v", cfg.KeyHeaders)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			ListenAddress:   ":3142",
			CachePath:       "/tmp/cache",
			MaxCacheBytes:   1024,
			CacheTTL:        Duration(time.Hour),
			MaxRetries:      3,
			InitialBackoff:  Duration(time.Second),
			UpstreamTimeout: Duration(30 * time.Second),
			MaxRedirects:    5,
			MaxFlights:      10,
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty cache path", func(c *Config) { c.CachePath = "" }},
		{"bad listen address", func(c *Config) { c.ListenAddress = "no-port" }},
		{"zero capacity", func(c *Config) { c.MaxCacheBytes = 0 }},
		{"zero ttl", func(c *Config) { c.CacheTTL = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero backoff", func(c *Config) { c.InitialBackoff = 0 }},
		{"zero timeout", func(c *Config) { c.UpstreamTimeout = 0 }},
		{"zero flights", func(c *Config) { c.MaxFlights = 0 }},
		{"blank key header", func(c *Config) { c.KeyHeaders = []string{""} }},
		{"key header with colon", func(c *Config) { c.KeyHeaders = []string{"X:Y"} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90s")); err != nil || d.DurationValue() != 90*time.Second {
		t.Fatalf("duration string parse failed: %v %v", err, d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("120")); err != nil || d.DurationValue() != 120*time.Second {
		t.Fatalf("integer seconds parse failed: %v %v", err, d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Fatalf("expected parse error")
	}
}
