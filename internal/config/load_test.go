package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Provider != ProviderCodex {
		t.Errorf("provider = %q, want codex", cfg.Agent.Provider)
	}
	if cfg.Tasks.MaxPending != 50 {
		t.Errorf("tasks.maxPending = %d, want 50", cfg.Tasks.MaxPending)
	}
}

func TestLoad_JSON5Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
		// comments are allowed
		agent: { provider: "claude", timeoutMs: 1234 },
		tasks: { maxPending: 7 },
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Provider != ProviderClaude {
		t.Errorf("provider = %q, want claude", cfg.Agent.Provider)
	}
	if cfg.Agent.TimeoutMs != 1234 {
		t.Errorf("timeoutMs = %d, want 1234", cfg.Agent.TimeoutMs)
	}
	if cfg.Tasks.MaxPending != 7 {
		t.Errorf("tasks.maxPending = %d, want 7", cfg.Tasks.MaxPending)
	}
}

func TestLoad_InvalidTickCron(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(`{research: {tickCron: "not a cron"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Discord.Token = "tok"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.Discord.Token = ""
	if err := cfg.Validate(); err == nil {
		t.Error("missing token accepted")
	}

	cfg.Discord.Token = "tok"
	cfg.Agent.Provider = "gpt"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("RELAYDECK_DISCORD_TOKEN", "env-token")
	t.Setenv("RELAYDECK_AGENT_PROVIDER", "claude")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Discord.Token != "env-token" {
		t.Errorf("token = %q", cfg.Discord.Token)
	}
	if cfg.Agent.Provider != ProviderClaude {
		t.Errorf("provider = %q", cfg.Agent.Provider)
	}
}
