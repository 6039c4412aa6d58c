package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// Message is one stored chat message. Timestamps are fixed-width UTC
// ISO-8601 so lexicographic order equals chronological order; every
// watermark comparison in the system relies on that.
type Message struct {
	ID          string `json:"id"`
	ChannelID   string `json:"channel_id"`
	SenderName  string `json:"sender_name"`
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp"`
	MentionsBot bool   `json:"mentions_bot"`
}

// Chat is discovery metadata for any chat the bot can see, registered
// or not. The main agent lists these to decide what to register.
type Chat struct {
	JID             string `json:"jid"`
	Name            string `json:"name"`
	LastMessageTime string `json:"last_message_time"`
}

// RegisteredGroup binds a channel id to its group configuration.
type RegisteredGroup struct {
	ChannelID string      `json:"channel_id"`
	Config    GroupConfig `json:"config"`
}

// GroupConfig is the per-group registration payload, stored as JSON.
type GroupConfig struct {
	Name            string              `json:"name"`
	Folder          string              `json:"folder"`
	Trigger         string              `json:"trigger,omitempty"`         // custom trigger regex
	RequiresTrigger *bool               `json:"requiresTrigger,omitempty"` // nil = true
	Container       *ContainerOverrides `json:"containerConfig,omitempty"`
}

// NeedsTrigger reports whether messages must mention the bot before an
// agent run. The main group bypasses this at a higher layer.
func (g GroupConfig) NeedsTrigger() bool {
	return g.RequiresTrigger == nil || *g.RequiresTrigger
}

// ContainerOverrides relaxes or tightens the container defaults for one
// group. Zero values mean "inherit".
type ContainerOverrides struct {
	Image        string            `json:"image,omitempty"`
	MemoryMB     int               `json:"memoryMb,omitempty"`
	CPUs         float64           `json:"cpus,omitempty"`
	ReadOnlyRoot *bool             `json:"readOnlyRoot,omitempty"`
	TmpfsSizeMB  int               `json:"tmpfsSizeMb,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

// Schedule kinds for tasks.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes: group shares the channel's running session, isolated
// starts fresh every fire.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// Task statuses.
const (
	TaskActive = "active"
	TaskPaused = "paused"
)

// Task is one scheduled agent invocation.
type Task struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"group_folder"`
	ChannelID     string `json:"channel_id"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode"`
	Status        string `json:"status"`
	NextRun       string `json:"next_run,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// Router state keys.
const (
	StateLastTimestamp       = "last_timestamp"
	StateLastAgentTimestamps = "last_agent_timestamp"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// NowTimestamp returns the current time in the canonical store format.
func NowTimestamp() string {
	return FormatTimestamp(time.Now())
}

// FormatTimestamp renders t as fixed-width UTC ISO-8601.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp is the inverse of FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}

// BuildMessageContent renders message text plus attachment lines in the
// form the agent prompt expects. Attachment-only messages yield just the
// bracket lines.
func BuildMessageContent(text string, attachments []bus.Attachment) string {
	if len(attachments) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for _, a := range attachments {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[file: %s | %s | %s]", a.Name, a.MimeType, a.RelPath)
	}
	return b.String()
}
