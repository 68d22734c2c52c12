package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"hostswap/internal/rehydrate"
	"hostswap/internal/tick"
	"hostswap/logging"
)

// Config is the server configuration, read from HOSTSWAP_* variables.
type Config struct {
	Addr            string           `env:"HOSTSWAP_ADDR" envDefault:":8080"`
	Session         string           `env:"HOSTSWAP_SESSION" envDefault:"default"`
	TickRate        int              `env:"HOSTSWAP_TICK_RATE" envDefault:"15"`
	CatchupMaxTicks int              `env:"HOSTSWAP_CATCHUP_MAX_TICKS" envDefault:"3"`
	CommandCapacity int              `env:"HOSTSWAP_COMMAND_CAPACITY" envDefault:"1024"`
	PendingTTL      time.Duration    `env:"HOSTSWAP_PENDING_TTL" envDefault:"10m"`
	PendingMax      int              `env:"HOSTSWAP_PENDING_MAX" envDefault:"0"`
	LogSeverity     logging.Severity `env:"HOSTSWAP_LOG_SEVERITY" envDefault:"info"`
	// LogCategories overrides the severity per category, as
	// "migration:debug,ownership:warn".
	LogCategories map[string]string `env:"HOSTSWAP_LOG_CATEGORIES"`
	LogJSONPath   string            `env:"HOSTSWAP_LOG_JSON_PATH"`
	// Reconcile runs an ownership pass every tick. When false, passes run
	// only on demand.
	Reconcile    bool   `env:"HOSTSWAP_RECONCILE" envDefault:"true"`
	OTelEndpoint string `env:"HOSTSWAP_OTEL_ENDPOINT"`
	EnablePprof  bool   `env:"HOSTSWAP_ENABLE_PPROF"`
	// SnapshotPath names an encoded snapshot to resume from at start.
	SnapshotPath string `env:"HOSTSWAP_SNAPSHOT_PATH"`
	// HandoffPath, when set, receives the encoded snapshot at shutdown.
	HandoffPath string `env:"HOSTSWAP_HANDOFF_PATH"`
}

// LoadConfig parses the environment and validates the result.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("HOSTSWAP_ADDR must not be empty"))
	}
	if c.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("HOSTSWAP_TICK_RATE must be positive, got %d", c.TickRate))
	}
	if c.CommandCapacity <= 0 {
		errs = append(errs, fmt.Errorf("HOSTSWAP_COMMAND_CAPACITY must be positive, got %d", c.CommandCapacity))
	}
	if c.PendingTTL < 0 {
		errs = append(errs, fmt.Errorf("HOSTSWAP_PENDING_TTL must not be negative, got %s", c.PendingTTL))
	}
	if c.PendingMax < 0 {
		errs = append(errs, fmt.Errorf("HOSTSWAP_PENDING_MAX must not be negative, got %d", c.PendingMax))
	}
	if _, err := logging.ParseCategories(c.LogCategories); err != nil {
		errs = append(errs, fmt.Errorf("HOSTSWAP_LOG_CATEGORIES: %w", err))
	}
	return errors.Join(errs...)
}

func (c Config) tickConfig() tick.Config {
	return tick.Config{
		TickRate:        c.TickRate,
		CatchupMaxTicks: c.CatchupMaxTicks,
		CommandCapacity: c.CommandCapacity,
	}
}

func (c Config) pendingPolicy() rehydrate.Policy {
	return rehydrate.Policy{MaxAge: c.PendingTTL, MaxEntries: c.PendingMax}
}

// loggingConfig assumes Validate has accepted the category overrides.
func (c Config) loggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = c.LogSeverity
	cfg.Categories, _ = logging.ParseCategories(c.LogCategories)
	cfg.Fields = map[string]any{"session": c.Session}
	cfg.JSONPath = c.LogJSONPath
	return cfg
}
