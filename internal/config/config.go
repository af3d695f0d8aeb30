// Package config loads the Zino main configuration file using koanf/v2.
//
// Supports TOML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration structures
// -------------------------------------------------------------------------

// Config holds the complete Zino daemon configuration (spec §6 "Main config").
type Config struct {
	Archiving      ArchivingConfig      `koanf:"archiving"`
	Authentication AuthenticationConfig `koanf:"authentication"`
	Persistence    PersistenceConfig    `koanf:"persistence"`
	Polling        PollingConfig        `koanf:"polling"`
	SNMP           SNMPConfig           `koanf:"snmp"`
	Logging        LoggingConfig        `koanf:"logging"`
	Process        ProcessConfig        `koanf:"process"`
	Scheduler      SchedulerConfig      `koanf:"scheduler"`
	CmdServer      CmdServerConfig      `koanf:"cmdserver"`
	NotifyServer   NotifyServerConfig   `koanf:"notifyserver"`
	Metrics        MetricsConfig        `koanf:"metrics"`
}

// ArchivingConfig controls where closed events are archived once evicted
// from the recently-closed index (8h after closing, see eventstore).
type ArchivingConfig struct {
	// OldEventsDir is the root of the date-sharded archive tree
	// (<dir>/YYYY/MM/DD/<id>.json).
	OldEventsDir string `koanf:"old_events_dir"`
}

// AuthenticationConfig points at the secrets file used by the command
// protocol's challenge-response handshake.
type AuthenticationConfig struct {
	File string `koanf:"file"`
}

// PersistenceConfig controls the state snapshot file and write period.
type PersistenceConfig struct {
	File   string        `koanf:"file"`
	Period time.Duration `koanf:"period"`
}

// PollingConfig points at the pollfile and its reload check period.
type PollingConfig struct {
	File   string        `koanf:"file"`
	Period time.Duration `koanf:"period"`
}

// SNMPConfig controls the SNMP backend, trap receiver, and uptime agent.
type SNMPConfig struct {
	Backend string     `koanf:"backend"`
	Trap    TrapConfig `koanf:"trap"`
	// AgentListenAddr is where the read-only uptime agent (sysUpTime,
	// sysDescr) listens, so external tooling can detect a master/standby
	// failover by polling Zino itself over SNMP (spec §6).
	AgentListenAddr string `koanf:"agent_listen_addr"`
}

// TrapConfig controls the trap listener.
type TrapConfig struct {
	Port             int      `koanf:"port"`
	RequireCommunity []string `koanf:"require_community"`
}

// LoggingConfig is the standard logging schema shared across the daemon.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

// ProcessConfig controls the OS user the daemon runs as once started
// (the privilege-drop mechanism itself is out of scope; this is merely the
// configured target user name consulted by the entrypoint).
type ProcessConfig struct {
	User string `koanf:"user"`
}

// SchedulerConfig controls task-scheduler misfire behavior.
type SchedulerConfig struct {
	MisfireGraceTime time.Duration `koanf:"misfire_grace_time"`
}

// CmdServerConfig controls the legacy line-oriented command protocol
// listener (spec §4.6 "Command protocol", historically TCP/8001).
type CmdServerConfig struct {
	ListenAddr string `koanf:"listen_addr"`
}

// NotifyServerConfig controls the notify-channel listener paired with the
// command protocol via NTIE (spec §4.7 "Notify protocol", historically
// TCP/8002).
type NotifyServerConfig struct {
	ListenAddr string        `koanf:"listen_addr"`
	QueueDepth int           `koanf:"queue_depth"`
	NonceTTL   time.Duration `koanf:"nonce_ttl"`
}

// MetricsConfig controls the ambient Prometheus self-instrumentation
// endpoint (spec §9 "ambient stack carried regardless of Non-goals" --
// not a spec-named component, so an empty ListenAddr disables it entirely).
type MetricsConfig struct {
	ListenAddr string `koanf:"listen_addr"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Archiving: ArchivingConfig{
			OldEventsDir: "/var/lib/zino/old-events",
		},
		Authentication: AuthenticationConfig{
			File: "/etc/zino/secrets",
		},
		Persistence: PersistenceConfig{
			File:   "/var/lib/zino/state.json",
			Period: 5 * time.Minute,
		},
		Polling: PollingConfig{
			File:   "/etc/zino/polldevs.cf",
			Period: 30 * time.Second,
		},
		SNMP: SNMPConfig{
			Backend: "gosnmp",
			Trap: TrapConfig{
				Port: 162,
			},
			AgentListenAddr: ":161",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Process: ProcessConfig{
			User: "zino",
		},
		Scheduler: SchedulerConfig{
			MisfireGraceTime: 30 * time.Second,
		},
		CmdServer: CmdServerConfig{
			ListenAddr: "127.0.0.1:8001",
		},
		NotifyServer: NotifyServerConfig{
			ListenAddr: "127.0.0.1:8002",
			QueueDepth: 256,
			NonceTTL:   5 * time.Minute,
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9101",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for Zino configuration.
// Variables are named ZINO_<section>_<key>, e.g., ZINO_PERSISTENCE_FILE.
const envPrefix = "ZINO_"

// Load reads configuration from a TOML file at path, overlays environment
// variable overrides (ZINO_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms ZINO_PERSISTENCE_FILE -> persistence.file.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"archiving.old_events_dir":     defaults.Archiving.OldEventsDir,
		"authentication.file":          defaults.Authentication.File,
		"persistence.file":             defaults.Persistence.File,
		"persistence.period":           defaults.Persistence.Period.String(),
		"polling.file":                 defaults.Polling.File,
		"polling.period":               defaults.Polling.Period.String(),
		"snmp.backend":                 defaults.SNMP.Backend,
		"snmp.trap.port":               defaults.SNMP.Trap.Port,
		"snmp.agent_listen_addr":       defaults.SNMP.AgentListenAddr,
		"logging.level":                defaults.Logging.Level,
		"logging.format":               defaults.Logging.Format,
		"process.user":                 defaults.Process.User,
		"scheduler.misfire_grace_time": defaults.Scheduler.MisfireGraceTime.String(),
		"cmdserver.listen_addr":        defaults.CmdServer.ListenAddr,
		"notifyserver.listen_addr":     defaults.NotifyServer.ListenAddr,
		"notifyserver.queue_depth":     defaults.NotifyServer.QueueDepth,
		"notifyserver.nonce_ttl":       defaults.NotifyServer.NonceTTL.String(),
		"metrics.listen_addr":          defaults.Metrics.ListenAddr,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrEmptyPersistenceFile  = errors.New("persistence.file must not be empty")
	ErrEmptyPollingFile      = errors.New("polling.file must not be empty")
	ErrInvalidPersistPeriod  = errors.New("persistence.period must be > 0")
	ErrInvalidPollingPeriod  = errors.New("polling.period must be > 0")
	ErrInvalidTrapPort       = errors.New("snmp.trap.port must be between 1 and 65535")
	ErrEmptyAuthFile         = errors.New("authentication.file must not be empty")
	ErrEmptyCmdListenAddr    = errors.New("cmdserver.listen_addr must not be empty")
	ErrEmptyNotifyListenAddr = errors.New("notifyserver.listen_addr must not be empty")
	ErrInvalidQueueDepth     = errors.New("notifyserver.queue_depth must be > 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Persistence.File == "" {
		return ErrEmptyPersistenceFile
	}
	if cfg.Persistence.Period <= 0 {
		return ErrInvalidPersistPeriod
	}
	if cfg.Polling.File == "" {
		return ErrEmptyPollingFile
	}
	if cfg.Polling.Period <= 0 {
		return ErrInvalidPollingPeriod
	}
	if cfg.SNMP.Trap.Port < 1 || cfg.SNMP.Trap.Port > 65535 {
		return ErrInvalidTrapPort
	}
	if cfg.Authentication.File == "" {
		return ErrEmptyAuthFile
	}
	if cfg.CmdServer.ListenAddr == "" {
		return ErrEmptyCmdListenAddr
	}
	if cfg.NotifyServer.ListenAddr == "" {
		return ErrEmptyNotifyListenAddr
	}
	if cfg.NotifyServer.QueueDepth <= 0 {
		return ErrInvalidQueueDepth
	}
	return nil
}

// -------------------------------------------------------------------------
// Log level parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
