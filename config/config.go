// Package config loads pagedeck settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/wudi/pagedeck/engine"
	"github.com/wudi/pagedeck/history"
	"github.com/wudi/pagedeck/recovery"
)

// Config is the persisted settings file schema.
type Config struct {
	Capacity       int     `toml:"capacity"`
	HistoryLimit   int     `toml:"history_limit"`
	ThumbnailScale float64 `toml:"thumbnail_scale"`
	LogLevel       string  `toml:"log_level"`
	// Recovery names the render failure strategy: lenient, strict, retry
	// or quiet.
	Recovery string `toml:"recovery"`
	Source   string `toml:"-"`
}

func Default() Config {
	return Config{
		Capacity:       0,
		HistoryLimit:   history.DefaultLimit,
		ThumbnailScale: engine.DefaultThumbnailScale,
		LogLevel:       "info",
		Recovery:       "lenient",
	}
}

func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pagedeck", "config.toml")
}

// Load reads path, falling back to defaults when the file does not exist.
// PAGEDECK_CAPACITY, PAGEDECK_HISTORY_LIMIT and PAGEDECK_LOG_LEVEL override
// the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return cfg, errors.New("config path is empty and $HOME is not set")
	}
	cfg.Source = path

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return applyEnv(cfg)
		}
		return cfg, err
	}
	if err := toml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return applyEnv(cfg)
}

func applyEnv(cfg Config) (Config, error) {
	if env := strings.TrimSpace(os.Getenv("PAGEDECK_CAPACITY")); env != "" {
		n, err := strconv.Atoi(env)
		if err != nil {
			return cfg, fmt.Errorf("PAGEDECK_CAPACITY: %w", err)
		}
		cfg.Capacity = n
	}
	if env := strings.TrimSpace(os.Getenv("PAGEDECK_HISTORY_LIMIT")); env != "" {
		n, err := strconv.Atoi(env)
		if err != nil {
			return cfg, fmt.Errorf("PAGEDECK_HISTORY_LIMIT: %w", err)
		}
		cfg.HistoryLimit = n
	}
	if env := strings.TrimSpace(os.Getenv("PAGEDECK_LOG_LEVEL")); env != "" {
		cfg.LogLevel = env
	}
	return cfg, nil
}

// ApplyKVOverrides applies free-form key=value overrides from the command
// line. Unknown keys and malformed values are ignored.
func ApplyKVOverrides(cfg Config, overrides []string) Config {
	for _, raw := range overrides {
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		switch key {
		case "capacity":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.Capacity = n
			}
		case "history_limit":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.HistoryLimit = n
			}
		case "thumbnail_scale":
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.ThumbnailScale = f
			}
		case "log_level":
			cfg.LogLevel = val
		case "recovery":
			cfg.Recovery = val
		}
	}
	return cfg
}

// Strategy returns the recovery strategy named by cfg.Recovery.
func (cfg Config) Strategy() (recovery.Strategy, error) {
	switch strings.ToLower(cfg.Recovery) {
	case "", "lenient":
		return recovery.NewLenientStrategy(), nil
	case "strict":
		return recovery.NewStrictStrategy(), nil
	case "retry":
		return recovery.NewRetryStrategy(), nil
	case "quiet":
		return recovery.QuietStrategy{}, nil
	}
	return nil, fmt.Errorf("unknown recovery strategy %q", cfg.Recovery)
}

// Engine converts cfg into an engine configuration. Logger and tracer are
// left for the caller.
func (cfg Config) Engine() (engine.Config, error) {
	if cfg.Capacity < 0 {
		return engine.Config{}, fmt.Errorf("capacity %d is negative", cfg.Capacity)
	}
	if cfg.ThumbnailScale < 0 {
		return engine.Config{}, fmt.Errorf("thumbnail_scale %g is negative", cfg.ThumbnailScale)
	}
	strategy, err := cfg.Strategy()
	if err != nil {
		return engine.Config{}, err
	}
	out := engine.DefaultConfig()
	out.Capacity = cfg.Capacity
	if cfg.HistoryLimit > 0 {
		out.HistoryLimit = cfg.HistoryLimit
	}
	if cfg.ThumbnailScale > 0 {
		out.ThumbnailScale = cfg.ThumbnailScale
	}
	out.Recovery = strategy
	return out, nil
}

func Save(path string, cfg Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return errors.New("config path is empty and $HOME is not set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
