package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wudi/pagedeck/recovery"
)

func clearEnv(t *testing.T) {
	t.Setenv("PAGEDECK_CAPACITY", "")
	t.Setenv("PAGEDECK_HISTORY_LIMIT", "")
	t.Setenv("PAGEDECK_LOG_LEVEL", "")
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source != path {
		t.Fatalf("cfg.Source = %q, want %q", cfg.Source, path)
	}
	if cfg.Capacity != 0 || cfg.HistoryLimit != 30 || cfg.ThumbnailScale != 0.25 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoad_FromTOML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`
capacity = 40
history_limit = 5
thumbnail_scale = 0.5
recovery = "retry"
`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Capacity != 40 || cfg.HistoryLimit != 5 || cfg.ThumbnailScale != 0.5 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	ec, err := cfg.Engine()
	if err != nil {
		t.Fatalf("Engine: %v", err)
	}
	if _, ok := ec.Recovery.(*recovery.RetryStrategy); !ok {
		t.Fatalf("expected retry strategy, got %T", ec.Recovery)
	}
	if ec.Capacity != 40 || ec.HistoryLimit != 5 {
		t.Fatalf("engine config %+v", ec)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PAGEDECK_CAPACITY", "12")
	t.Setenv("PAGEDECK_LOG_LEVEL", "debug")
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("capacity = 3\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Capacity != 12 || cfg.LogLevel != "debug" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}

	t.Setenv("PAGEDECK_HISTORY_LIMIT", "many")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for a malformed PAGEDECK_HISTORY_LIMIT")
	}
}

func TestLoad_BadTOML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("capacity = [\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected a parse error")
	}
}

func TestApplyKVOverrides(t *testing.T) {
	cfg := ApplyKVOverrides(Default(), []string{"capacity=8", "recovery = quiet", "bogus", "history_limit=x"})
	if cfg.Capacity != 8 || cfg.Recovery != "quiet" || cfg.HistoryLimit != 30 {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
}

func TestEngineRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Recovery = "panic"
	if _, err := cfg.Engine(); err == nil {
		t.Fatalf("expected unknown strategy error")
	}
	cfg = Default()
	cfg.Capacity = -1
	if _, err := cfg.Engine(); err == nil {
		t.Fatalf("expected negative capacity error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	want := Default()
	want.Capacity = 64
	want.Recovery = "strict"
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Capacity != 64 || got.Recovery != "strict" {
		t.Fatalf("round trip lost values: %+v", got)
	}
}
