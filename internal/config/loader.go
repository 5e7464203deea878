package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ProfileConfig describes one model memory profile. Sizes are given in
// human-friendly units and converted to bytes when installed.
type ProfileConfig struct {
	Name        string  `json:"name" yaml:"name" toml:"name"`
	BaseMB      int64   `json:"base_mb" yaml:"base_mb" toml:"base_mb"`
	PerBatchKB  int64   `json:"per_batch_kb" yaml:"per_batch_kb" toml:"per_batch_kb"`
	PerTokenB   int64   `json:"per_token_bytes" yaml:"per_token_bytes" toml:"per_token_bytes"`
	GrowthRate  float64 `json:"growth_rate" yaml:"growth_rate" toml:"growth_rate"`
	RecoveryBuf float64 `json:"recovery_buffer" yaml:"recovery_buffer" toml:"recovery_buffer"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`

	// Monitor settings.
	PollIntervalMS int     `json:"poll_interval_ms" yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	WarningPct     float64 `json:"warning_pct" yaml:"warning_pct" toml:"warning_pct"`
	CriticalPct    float64 `json:"critical_pct" yaml:"critical_pct" toml:"critical_pct"`
	EmergencyPct   float64 `json:"emergency_pct" yaml:"emergency_pct" toml:"emergency_pct"`
	DeviceCount    int     `json:"device_count" yaml:"device_count" toml:"device_count"`
	DefaultProfile string  `json:"default_profile" yaml:"default_profile" toml:"default_profile"`

	// Batcher settings.
	MaxTokens       int `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	FlushIntervalMS int `json:"flush_interval_ms" yaml:"flush_interval_ms" toml:"flush_interval_ms"`
	MaxQueue        int `json:"max_queue" yaml:"max_queue" toml:"max_queue"`
	BucketStep      int `json:"bucket_step" yaml:"bucket_step" toml:"bucket_step"`

	// Inference engine (optional; the service runs without it).
	ModelPath   string `json:"model_path" yaml:"model_path" toml:"model_path"`
	ContextSize int    `json:"context_size" yaml:"context_size" toml:"context_size"`

	// HTTP hardening knobs.
	InferTimeoutSec int64  `json:"infer_timeout_sec" yaml:"infer_timeout_sec" toml:"infer_timeout_sec"`
	CORSOrigins     string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`

	// Profiles are installed on top of the built-in defaults; a profile with
	// a known name replaces the built-in one.
	Profiles []ProfileConfig `json:"profiles" yaml:"profiles" toml:"profiles"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
