package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected default http port, got %d", cfg.HTTP.Port)
	}
	if cfg.LLM.Mode != "mock" {
		t.Fatalf("expected mock llm default, got %q", cfg.LLM.Mode)
	}
	if len(cfg.Chat.Characters) == 0 {
		t.Fatal("expected a default character")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ensemble.yaml")
	data := `
runtime_name: test-runtime
llm:
  mode: ollama
  model: tiny
chat:
  characters:
    - id: ada
      name: Ada
      voice: en-ada
      sample_rate: 22050
    - id: bix
      name: Bix
      voice: en-bix
  default_character: ada
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "test-runtime" {
		t.Fatalf("runtime name not loaded: %q", cfg.RuntimeName)
	}
	if cfg.LLM.Mode != "ollama" || cfg.LLM.Model != "tiny" {
		t.Fatalf("llm section not loaded: %+v", cfg.LLM)
	}
	if len(cfg.Chat.Characters) != 2 || cfg.Chat.Characters[0].ID != "ada" {
		t.Fatalf("characters not loaded: %+v", cfg.Chat.Characters)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ENSEMBLE_HTTP_PORT", "9999")
	t.Setenv("ENSEMBLE_LLM_MODE", "ollama")
	t.Setenv("ENSEMBLE_LLM_TEMPERATURE", "0.2")
	t.Setenv("ENSEMBLE_BUS_ENABLED", "true")
	t.Setenv("ENSEMBLE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("ENSEMBLE_HISTORY_RETENTION_DAYS", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9999 {
		t.Fatalf("expected port override, got %d", cfg.HTTP.Port)
	}
	if cfg.LLM.Mode != "ollama" || cfg.LLM.Temperature != 0.2 {
		t.Fatalf("expected llm overrides, got %+v", cfg.LLM)
	}
	if !cfg.Bus.Enabled || len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if cfg.History.RetentionDays != 7 {
		t.Fatalf("expected retention override, got %d", cfg.History.RetentionDays)
	}
}

func TestValidateRejectsBadCharacters(t *testing.T) {
	cfg := Default()
	cfg.Chat.Characters = nil
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for empty character list")
	}

	cfg = Default()
	cfg.Chat.Characters = append(cfg.Chat.Characters, cfg.Chat.Characters[0])
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for duplicate character ids")
	}

	cfg = Default()
	cfg.Chat.DefaultCharacter = "ghost"
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for unknown default character")
	}
}
