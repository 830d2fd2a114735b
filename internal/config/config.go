// Package config loads node configuration from an optional YAML file,
// then environment variables prefixed with NYX_.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/evidence/internal/modules"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "NYX_"

// Config is the node configuration.
type Config struct {
	DBPath          string `yaml:"db_path" env:"DB_PATH"`
	ListenAddr      string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	TreasuryAddress string `yaml:"treasury_address" env:"TREASURY_ADDRESS"`
	FeeAsset        string `yaml:"fee_asset" env:"FEE_ASSET"`
	FeeSchedulePath string `yaml:"fee_schedule_path" env:"FEE_SCHEDULE_PATH"`
	ProofKey        string `yaml:"proof_key" env:"PROOF_KEY"`
	LedgerCacheSize int    `yaml:"ledger_cache_size" env:"LEDGER_CACHE_SIZE"`
	ReplayWorkers   int    `yaml:"replay_workers" env:"REPLAY_WORKERS"`
	VerifyOnSubmit  bool   `yaml:"verify_on_submit" env:"VERIFY_ON_SUBMIT"`
	LogLevel        string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat       string `yaml:"log_format" env:"LOG_FORMAT"`

	// Schedules and proof keys that runs in the ledger were recorded under.
	// Replay needs them after the active schedule or key changes.
	FeeScheduleArchive []string `yaml:"fee_schedule_archive" env:"FEE_SCHEDULE_ARCHIVE" envSeparator:","`
	RetiredProofKeys   []string `yaml:"retired_proof_keys" env:"RETIRED_PROOF_KEYS" envSeparator:","`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		DBPath:          "nyx.db",
		ListenAddr:      "127.0.0.1:8080",
		TreasuryAddress: "treasury",
		FeeAsset:        "NYXT",
		ProofKey:        "nyx-dev",
		LedgerCacheSize: 1024,
		ReplayWorkers:   4,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load builds a Config from defaults, then the YAML file at path (skipped if
// path is empty), then the environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeYAML overlays data onto cfg. Unknown keys are an error.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var problems []string
	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if !modules.ValidAccount(c.TreasuryAddress) {
		problems = append(problems, fmt.Sprintf("treasury_address %q is not a valid account id", c.TreasuryAddress))
	}
	if !modules.ValidAsset(c.FeeAsset) {
		problems = append(problems, fmt.Sprintf("fee_asset %q is not a valid asset code", c.FeeAsset))
	}
	if c.LedgerCacheSize <= 0 {
		problems = append(problems, "ledger_cache_size must be positive")
	}
	if c.ReplayWorkers <= 0 {
		problems = append(problems, "replay_workers must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("log_format %q must be text or json", c.LogFormat))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", s, err)
	}
	return level, nil
}

// NewLogger builds the slog logger the config describes, writing to w.
// verbose forces debug level.
func (c Config) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
