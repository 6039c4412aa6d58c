package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	readOnly := true
	return &Config{
		AssistantName:   "Nano",
		Timezone:        "Local",
		DataDir:         "~/.nanoclaw",
		MainGroupFolder: "main",
		Poll: PollConfig{
			IntervalMS: 2000,
		},
		Queue: QueueConfig{
			MaxConcurrent: 5,
			MaxRetries:    5,
			BaseRetryMS:   5000,
		},
		Container: ContainerConfig{
			Image:        "nanoclaw-agent:latest",
			MemoryMB:     512,
			CPUs:         1.0,
			ReadOnlyRoot: &readOnly,
		},
		Agent: AgentConfig{
			Model: "gemini-2.5-flash",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets, env-only.
	envStr("GEMINI_API_KEY", &c.Agent.GeminiAPIKey)
	envStr("NANOCLAW_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("NANOCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("NANOCLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)

	envStr("GEMINI_MODEL", &c.Agent.Model)
	envStr("NANOCLAW_ASSISTANT_NAME", &c.AssistantName)
	envStr("NANOCLAW_TIMEZONE", &c.Timezone)
	envStr("NANOCLAW_DATA_DIR", &c.DataDir)
	envStr("NANOCLAW_PROJECT_ROOT", &c.ProjectRoot)
	envStr("NANOCLAW_CONTAINER_IMAGE", &c.Container.Image)
	envStr("NANOCLAW_CONTAINER_RUNTIME", &c.Container.Runtime)
	envStr("NANOCLAW_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)

	if v := os.Getenv("NANOCLAW_MAX_CONCURRENT_CONTAINERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.MaxConcurrent = n
		}
	}
	if v := os.Getenv("NANOCLAW_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Poll.IntervalMS = n
		}
	}

	// Auto-enable adapters when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.WhatsApp.BridgeURL != "" {
		c.Channels.WhatsApp.Enabled = true
	}

	// Telemetry
	envStr("NANOCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("NANOCLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("NANOCLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("NANOCLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NANOCLAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file. Secret fields carry `json:"-"`
// so they never persist.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
