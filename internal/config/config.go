// Package config provides the configuration schema and loader for the
// performance-analysis orchestration engine.
package config

import "time"

// LogLevel controls slog verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError, "":
		return true
	}
	return false
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	BlobStore BlobStoreConfig `yaml:"blob_store"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Inference InferenceConfig `yaml:"inference"`
	GPU       GPUConfig       `yaml:"gpu"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	ListenAddr string   `yaml:"listen_addr"`
	LogLevel   LogLevel `yaml:"log_level"`
}

// BlobStoreConfig configures the HTTP object store client (C1).
type BlobStoreConfig struct {
	BaseURL string `yaml:"base_url"`
	Bucket  string `yaml:"bucket"`
	Token   string `yaml:"token"`
}

// RedisConfig configures the session store backing (C2).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig configures the artifact cache cold tier (C3).
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// ProviderEntry is a common configuration block for an inference tier.
type ProviderEntry struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// InferenceConfig declares endpoints for each C4 inference client and its
// fallback tiers.
type InferenceConfig struct {
	Separation ProviderEntry `yaml:"separation"`
	Pitch      ProviderEntry `yaml:"pitch"`

	// STT tiers in fallback order: shared service, public API, local (disabled
	// by default per §4.C4-stt).
	STTShared   ProviderEntry `yaml:"stt_shared"`
	STTPublic   ProviderEntry `yaml:"stt_public"`
	STTLocal    ProviderEntry `yaml:"stt_local"`
	STTLocalOn  bool          `yaml:"stt_local_enabled"`

	// Lyrics providers in order: synced, then plain-text.
	LyricsSynced ProviderEntry `yaml:"lyrics_synced"`
	LyricsPlain  ProviderEntry `yaml:"lyrics_plain"`

	// Judge LLM tiers: high-quality, smaller. The heuristic tier needs no config.
	JudgeLarge ProviderEntry `yaml:"judge_large"`
	JudgeSmall ProviderEntry `yaml:"judge_small"`
}

// GPUConfig configures the co-tenant coordination endpoint (C5).
type GPUConfig struct {
	CoTenantGenerateURL string `yaml:"co_tenant_generate_url"`
}

// CleanupConfig configures the reaper schedule (C9).
type CleanupConfig struct {
	Interval       time.Duration `yaml:"interval"`
	SessionMaxAge  time.Duration `yaml:"session_max_age"`
	TempDirMaxAge  time.Duration `yaml:"temp_dir_max_age"`
	ScratchDir     string        `yaml:"scratch_dir"`
}

// DefaultCleanupConfig matches §4.C9 (hourly sweep, 2h session age).
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:      time.Hour,
		SessionMaxAge: 2 * time.Hour,
		TempDirMaxAge: 2 * time.Hour,
		ScratchDir:    "/tmp/analysis-engine",
	}
}
