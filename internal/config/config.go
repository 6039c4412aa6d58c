package config

import (
	"path/filepath"
	"time"
)

// Config is the root configuration for the NanoClaw supervisor.
type Config struct {
	// AssistantName is the bot's display name and the default trigger word.
	AssistantName string `json:"assistant_name"`
	// Timezone is the IANA zone used for cron schedules ("Local" = host zone).
	Timezone string `json:"timezone"`
	// DataDir holds the store, group workspaces and IPC tree (default ~/.nanoclaw).
	DataDir string `json:"data_dir"`
	// ProjectRoot is mounted read-write into the main group's container.
	ProjectRoot string `json:"project_root,omitempty"`
	// MainGroupFolder names the privileged group (default "main").
	MainGroupFolder string `json:"main_group_folder"`

	Poll      PollConfig      `json:"poll"`
	Queue     QueueConfig     `json:"queue"`
	Container ContainerConfig `json:"container"`
	Agent     AgentConfig     `json:"agent"`
	Channels  ChannelsConfig  `json:"channels"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// PollConfig tunes the supervisor's store-polling loop.
type PollConfig struct {
	IntervalMS int `json:"interval_ms,omitempty"` // message poll period (default 2000)
}

// Interval returns the poll period as a duration.
func (p PollConfig) Interval() time.Duration {
	if p.IntervalMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(p.IntervalMS) * time.Millisecond
}

// QueueConfig tunes the per-channel work queue.
type QueueConfig struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"` // global container cap (default 5)
	MaxRetries    int `json:"max_retries,omitempty"`    // per-channel retry budget (default 5)
	BaseRetryMS   int `json:"base_retry_ms,omitempty"`  // first backoff step (default 5000)
}

func (q QueueConfig) Concurrency() int {
	if q.MaxConcurrent <= 0 {
		return 5
	}
	return q.MaxConcurrent
}

func (q QueueConfig) Retries() int {
	if q.MaxRetries <= 0 {
		return 5
	}
	return q.MaxRetries
}

func (q QueueConfig) BaseRetry() time.Duration {
	if q.BaseRetryMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(q.BaseRetryMS) * time.Millisecond
}

// ContainerConfig holds host-wide defaults for agent containers.
// Per-group overrides live in the group's registration row.
type ContainerConfig struct {
	Image        string  `json:"image,omitempty"`          // default "nanoclaw-agent:latest"
	MemoryMB     int     `json:"memory_mb,omitempty"`      // default 512
	CPUs         float64 `json:"cpus,omitempty"`           // default 1.0
	ReadOnlyRoot *bool   `json:"read_only_root,omitempty"` // default true
	TmpfsSizeMB  int     `json:"tmpfs_size_mb,omitempty"`  // 0 = runtime default
	// Runtime explicitly selects the container CLI; empty = auto-detect.
	Runtime string `json:"runtime,omitempty"`
}

// AgentConfig carries the model settings forwarded into the sandbox.
// The API key is env-only and never persisted.
type AgentConfig struct {
	GeminiAPIKey string `json:"-"`               // from env GEMINI_API_KEY only
	Model        string `json:"model,omitempty"` // overridable via env GEMINI_MODEL
}

// ChannelsConfig enables the bundled chat adapters. Tokens are env-only.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
}

// WhatsAppConfig points at the bridge process that owns the actual
// WhatsApp session. The supervisor is only a WebSocket client of it.
type WhatsAppConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	BridgeURL string `json:"bridge_url,omitempty"` // e.g. "ws://localhost:3001/ws"
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"` // from env NANOCLAW_TELEGRAM_TOKEN only
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"` // from env NANOCLAW_DISCORD_TOKEN only
}

// DatabaseConfig selects the store backend. The DSN is never read from
// the config file, only from env NANOCLAW_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// IsManaged reports whether the Postgres store should be used.
func (d DatabaseConfig) IsManaged() bool { return d.PostgresDSN != "" }

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext for local collectors
	ServiceName string            `json:"service_name,omitempty"` // default "nanoclaw"
	Headers     map[string]string `json:"headers,omitempty"`
}

// StorePath returns the SQLite database file path for standalone mode.
func (c *Config) StorePath() string {
	return filepath.Join(ExpandHome(c.DataDir), "nanoclaw.db")
}

// GroupsDir returns the root of per-group workspaces.
func (c *Config) GroupsDir() string {
	return filepath.Join(ExpandHome(c.DataDir), "groups")
}

// GroupDir returns one group's workspace root.
func (c *Config) GroupDir(folder string) string {
	return filepath.Join(c.GroupsDir(), folder)
}

// IPCDir returns the root of the file-IPC tree.
func (c *Config) IPCDir() string {
	return filepath.Join(ExpandHome(c.DataDir), "ipc")
}

// Location resolves the configured timezone, falling back to the host zone.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
