package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestLoadMissingFile verifies that a missing config file yields defaults.
func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if cfg.AssistantName != "Nano" {
		t.Errorf("AssistantName = %q, want %q", cfg.AssistantName, "Nano")
	}
	if cfg.MainGroupFolder != "main" {
		t.Errorf("MainGroupFolder = %q, want %q", cfg.MainGroupFolder, "main")
	}
	if got := cfg.Queue.Concurrency(); got != 5 {
		t.Errorf("Queue.Concurrency() = %d, want 5", got)
	}
	if got := cfg.Poll.Interval(); got != 2*time.Second {
		t.Errorf("Poll.Interval() = %v, want 2s", got)
	}
}

// TestLoadJSON5 verifies that comments and trailing commas parse.
func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
  // supervisor identity
  assistant_name: "Clawdia",
  queue: {
    max_concurrent: 2,
  },
  container: {
    image: "custom-agent:dev",
  },
}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AssistantName != "Clawdia" {
		t.Errorf("AssistantName = %q, want %q", cfg.AssistantName, "Clawdia")
	}
	if got := cfg.Queue.Concurrency(); got != 2 {
		t.Errorf("Queue.Concurrency() = %d, want 2", got)
	}
	if cfg.Container.Image != "custom-agent:dev" {
		t.Errorf("Container.Image = %q, want %q", cfg.Container.Image, "custom-agent:dev")
	}
	// Unset sections keep defaults.
	if got := cfg.Queue.Retries(); got != 5 {
		t.Errorf("Queue.Retries() = %d, want 5", got)
	}
}

// TestEnvOverrides verifies env precedence over file values and that
// secrets only arrive via env.
func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(`{assistant_name: "FileBot"}`), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("NANOCLAW_ASSISTANT_NAME", "EnvBot")
	t.Setenv("GEMINI_API_KEY", "sk-test")
	t.Setenv("NANOCLAW_TELEGRAM_TOKEN", "tg-token")
	t.Setenv("NANOCLAW_MAX_CONCURRENT_CONTAINERS", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AssistantName != "EnvBot" {
		t.Errorf("AssistantName = %q, want env override %q", cfg.AssistantName, "EnvBot")
	}
	if cfg.Agent.GeminiAPIKey != "sk-test" {
		t.Errorf("GeminiAPIKey = %q, want %q", cfg.Agent.GeminiAPIKey, "sk-test")
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("Telegram.Enabled = false, want auto-enable from env token")
	}
	if got := cfg.Queue.Concurrency(); got != 9 {
		t.Errorf("Queue.Concurrency() = %d, want 9", got)
	}
}

// TestSaveOmitsSecrets verifies that secrets never reach disk.
func TestSaveOmitsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Agent.GeminiAPIKey = "sk-secret"
	cfg.Database.PostgresDSN = "postgres://u:p@h/db"
	cfg.Channels.Discord.Token = "dc-secret"

	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"sk-secret", "postgres://", "dc-secret"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("saved config contains secret %q", secret)
		}
	}
}

// TestExpandHome covers the tilde expansion rules.
func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/abs/path", "/abs/path"},
		{"~", home},
		{"~/data", home + "/data"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
