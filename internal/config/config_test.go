package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Uninett/zino/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Persistence.Period != 5*time.Minute {
		t.Errorf("Persistence.Period = %v, want %v", cfg.Persistence.Period, 5*time.Minute)
	}

	if cfg.SNMP.Trap.Port != 162 {
		t.Errorf("SNMP.Trap.Port = %d, want %d", cfg.SNMP.Trap.Port, 162)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromTOML(t *testing.T) {
	t.Parallel()

	tomlContent := `
[archiving]
old_events_dir = "/tmp/old-events"

[authentication]
file = "/tmp/secrets"

[persistence]
file = "/tmp/state.json"
period = "1m"

[polling]
file = "/tmp/polldevs.cf"
period = "15s"

[snmp]
backend = "gosnmp"

[snmp.trap]
port = 1162
require_community = ["public"]

[logging]
level = "debug"
format = "text"

[process]
user = "zino"

[scheduler]
misfire_grace_time = "10s"
`

	dir := t.TempDir()
	path := filepath.Join(dir, "zino.toml")
	if err := os.WriteFile(path, []byte(tomlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Persistence.Period != time.Minute {
		t.Errorf("Persistence.Period = %v, want %v", cfg.Persistence.Period, time.Minute)
	}

	if cfg.Polling.Period != 15*time.Second {
		t.Errorf("Polling.Period = %v, want %v", cfg.Polling.Period, 15*time.Second)
	}

	if cfg.SNMP.Trap.Port != 1162 {
		t.Errorf("SNMP.Trap.Port = %d, want %d", cfg.SNMP.Trap.Port, 1162)
	}

	if len(cfg.SNMP.Trap.RequireCommunity) != 1 || cfg.SNMP.Trap.RequireCommunity[0] != "public" {
		t.Errorf("SNMP.Trap.RequireCommunity = %v, want [public]", cfg.SNMP.Trap.RequireCommunity)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zino.toml")
	if err := os.WriteFile(path, []byte("[persistence]\nfile = \"/tmp/state.json\"\nperiod = \"1m\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ZINO_PERSISTENCE_FILE", "/tmp/override.json")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Persistence.File != "/tmp/override.json" {
		t.Errorf("Persistence.File = %q, want %q", cfg.Persistence.File, "/tmp/override.json")
	}
}

func TestValidateRejectsBadTrapPort(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.SNMP.Trap.Port = 70000

	if err := config.Validate(cfg); err == nil {
		t.Error("Validate() error = nil, want error for bad trap port")
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"debug": "DEBUG",
		"info":  "INFO",
		"warn":  "WARN",
		"error": "ERROR",
		"":      "INFO",
	}

	for in, want := range cases {
		got := config.ParseLogLevel(in).String()
		if got != want {
			t.Errorf("ParseLogLevel(%q) = %q, want %q", in, got, want)
		}
	}
}
