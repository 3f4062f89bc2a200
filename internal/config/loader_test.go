package config_test

import (
	"strings"
	"testing"

	"github.com/kiaraoke/verdict/internal/config"
)

func TestLoadFromReaderDefaults(t *testing.T) {
	r := strings.NewReader(`
blob_store:
  base_url: "https://store.example.com"
redis:
  addr: "localhost:6379"
`)
	cfg, err := config.LoadFromReader(r)
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Cleanup.Interval.String() != "1h0m0s" {
		t.Errorf("Cleanup.Interval = %v, want 1h", cfg.Cleanup.Interval)
	}
}

func TestLoadFromReaderMissingBaseURL(t *testing.T) {
	r := strings.NewReader(`server:
  listen_addr: ":9090"
`)
	if _, err := config.LoadFromReader(r); err == nil {
		t.Fatal("expected error for missing blob_store.base_url")
	}
}

func TestLoadFromReaderInvalidLogLevel(t *testing.T) {
	r := strings.NewReader(`
blob_store:
  base_url: "https://store.example.com"
server:
  log_level: "verbose"
`)
	if _, err := config.LoadFromReader(r); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestLoadFromReaderSTTLocalRequiresModel(t *testing.T) {
	r := strings.NewReader(`
blob_store:
  base_url: "https://store.example.com"
inference:
  stt_local_enabled: true
`)
	if _, err := config.LoadFromReader(r); err == nil {
		t.Fatal("expected error when stt_local_enabled but no model set")
	}
}
