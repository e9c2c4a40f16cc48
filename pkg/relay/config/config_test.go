package config

import (
	"testing"
	"time"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEYS", "k1, k2 ,,k3")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if len(cfg.APIKeys) != 3 {
		t.Fatalf("keys = %v, want 3 trimmed keys", cfg.APIKeys)
	}
	if cfg.Port != 8000 || cfg.Addr() != "0.0.0.0:8000" {
		t.Fatalf("addr = %q", cfg.Addr())
	}
	if !cfg.CompressedAudioIn || !cfg.Transcribe {
		t.Fatal("audio defaults lost")
	}
	if cfg.ResumeWindow != 5*time.Minute {
		t.Fatalf("resume window = %v", cfg.ResumeWindow)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEYS", "only")
	t.Setenv("RELAY_PORT", "9100")
	t.Setenv("RELAY_READ_TIMEOUT", "45s")
	t.Setenv("RELAY_COMPRESSED_AUDIO", "false")
	t.Setenv("GEMINI_MODEL", "models/custom-live")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Port != 9100 || cfg.ReadTimeout != 45*time.Second {
		t.Fatalf("overrides lost: port=%d read=%v", cfg.Port, cfg.ReadTimeout)
	}
	if cfg.CompressedAudioIn {
		t.Fatal("bool override lost")
	}
	if cfg.Model != "models/custom-live" {
		t.Fatalf("model = %q", cfg.Model)
	}
}

func TestLoadFromEnvRejectsMissingKeys(t *testing.T) {
	t.Setenv("GEMINI_API_KEYS", " , ")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error without api keys")
	}
}

func TestLoadFromEnvIgnoresBadValues(t *testing.T) {
	t.Setenv("GEMINI_API_KEYS", "k")
	t.Setenv("RELAY_PORT", "not-a-number")
	t.Setenv("RELAY_READ_TIMEOUT", "soon")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Port != 8000 || cfg.ReadTimeout != 90*time.Second {
		t.Fatalf("bad values should fall back to defaults: %+v", cfg)
	}
}
