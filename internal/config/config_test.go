package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zapbridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
zaptec:
  username: user@example.com
  password: hunter2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Zaptec.RateLimitRequests != 10 || cfg.Zaptec.RateLimitWindow != time.Second {
		t.Fatalf("rate limit defaults = %d/%v", cfg.Zaptec.RateLimitRequests, cfg.Zaptec.RateLimitWindow)
	}
	if cfg.Polling.IdleInterval != 10*time.Minute || cfg.Polling.ChargingInterval != time.Minute {
		t.Fatalf("poll defaults = %v/%v", cfg.Polling.IdleInterval, cfg.Polling.ChargingInterval)
	}
	if cfg.Polling.FirmwareInterval != 24*time.Hour {
		t.Fatalf("firmware default = %v", cfg.Polling.FirmwareInterval)
	}
	if cfg.HTTP.Addr != "0.0.0.0:8080" {
		t.Fatalf("http default = %q", cfg.HTTP.Addr)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.TopicPrefix != "zapbridge" {
		t.Fatalf("mqtt defaults = %+v", cfg.MQTT)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
zaptec:
  username: user@example.com
  password: hunter2
  base_url: http://localhost:9999/api/
polling:
  charging_interval: 30s
  idle_interval: 5m
mqtt:
  enabled: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Zaptec.BaseURL != "http://localhost:9999/api/" {
		t.Fatalf("base_url = %q", cfg.Zaptec.BaseURL)
	}
	if cfg.Polling.ChargingInterval != 30*time.Second || cfg.Polling.IdleInterval != 5*time.Minute {
		t.Fatalf("polling = %+v", cfg.Polling)
	}
	if cfg.MQTT.Enabled {
		t.Fatal("mqtt.enabled override ignored")
	}
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	path := writeConfig(t, `
zaptec:
  username: user@example.com
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted a config without a password")
	}
}

func TestValidateRejectsInvertedCadence(t *testing.T) {
	path := writeConfig(t, `
zaptec:
  username: user@example.com
  password: hunter2
polling:
  charging_interval: 20m
  idle_interval: 10m
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted charging interval slower than idle")
	}
}

func TestValidateRequiresBlobTargets(t *testing.T) {
	path := writeConfig(t, `
zaptec:
  username: user@example.com
  password: hunter2
blob:
  enabled: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted blob mirroring without an endpoint")
	}
}
