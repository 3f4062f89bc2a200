package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies defaults, and
// returns a validated Config. It is a convenience wrapper around
// LoadFromReader.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{Cleanup: DefaultCleanupConfig()}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.BlobStore.Bucket == "" {
		cfg.BlobStore.Bucket = "performances"
	}
	if cfg.Cleanup.Interval == 0 {
		def := DefaultCleanupConfig()
		cfg.Cleanup = def
	}
}

// Validate checks that cfg contains a coherent set of values, returning a
// joined error listing every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.BlobStore.BaseURL == "" {
		errs = append(errs, errors.New("blob_store.base_url is required"))
	}
	if cfg.Redis.Addr == "" {
		slog.Warn("redis.addr is empty; session store will fail to connect")
	}
	if cfg.Postgres.DSN == "" {
		slog.Warn("postgres.dsn is empty; artifact cache cold tier will fail to connect")
	}
	if cfg.Inference.STTLocalOn && cfg.Inference.STTLocal.Model == "" {
		errs = append(errs, errors.New("inference.stt_local_enabled is true but inference.stt_local.model is not set"))
	}

	return errors.Join(errs...)
}
