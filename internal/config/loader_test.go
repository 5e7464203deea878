package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "addr: :9999\npoll_interval_ms: 500\nemergency_pct: 97.5\ncors_origins: \"https://a.example,https://b.example\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.PollIntervalMS != 500 || cfg.EmergencyPct != 97.5 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.CORSOrigins != "https://a.example,https://b.example" {
		t.Fatalf("cors = %q", cfg.CORSOrigins)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","max_queue":500,"log_level":"debug","model_path":"/m/llama.gguf"}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.MaxQueue != 500 || cfg.LogLevel != "debug" || cfg.ModelPath != "/m/llama.gguf" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", `
addr = ":8081"
device_count = 4
warning_pct = 75.0
default_profile = "mistral-7b"
max_tokens = 4096

[[profiles]]
name = "custom-30b"
base_mb = 20000
per_batch_kb = 512
per_token_bytes = 8192
growth_rate = 1.1
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.DeviceCount != 4 || cfg.WarningPct != 75.0 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.DefaultProfile != "mistral-7b" || cfg.MaxTokens != 4096 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.Profiles) != 1 {
		t.Fatalf("profiles = %d, want 1", len(cfg.Profiles))
	}
	pc := cfg.Profiles[0]
	if pc.Name != "custom-30b" || pc.BaseMB != 20000 || pc.PerBatchKB != 512 || pc.PerTokenB != 8192 || pc.GrowthRate != 1.1 {
		t.Fatalf("unexpected profile: %+v", pc)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}
