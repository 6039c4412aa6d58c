package protocol

import "encoding/json"

// IPC file types. Files land in {ipc}/{sourceGroup}/messages/ or
// /tasks/ as atomically renamed *.json; the directory path, never the
// payload, establishes who wrote them.
const (
	IPCMessage         = "message"
	IPCScheduleTask    = "schedule_task"
	IPCPauseTask       = "pause_task"
	IPCResumeTask      = "resume_task"
	IPCCancelTask      = "cancel_task"
	IPCRefreshGroups   = "refresh_groups"
	IPCRegisterChannel = "register_channel"
)

// IPCEnvelope is the union of every IPC file shape, discriminated by
// Type. Fields irrelevant to a given type stay zero.
type IPCEnvelope struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`

	// message
	ChannelID string `json:"channelId,omitempty"`
	Text      string `json:"text,omitempty"`

	// schedule_task
	Prompt          string `json:"prompt,omitempty"`
	ScheduleType    string `json:"schedule_type,omitempty"`
	ScheduleValue   string `json:"schedule_value,omitempty"`
	ContextMode     string `json:"context_mode,omitempty"`
	TargetChannelID string `json:"targetChannelId,omitempty"`

	// pause_task / resume_task / cancel_task
	TaskID string `json:"taskId,omitempty"`

	// register_channel (ChannelID doubles as the target id)
	Name            string          `json:"name,omitempty"`
	Folder          string          `json:"folder,omitempty"`
	Trigger         string          `json:"trigger,omitempty"`
	ContainerConfig json.RawMessage `json:"containerConfig,omitempty"`
}

// TaskView is one row of the tasks.json snapshot the host writes into a
// group's IPC mount before each launch.
type TaskView struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"groupFolder"`
	ChannelID     string `json:"channelId"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode"`
	Status        string `json:"status"`
	NextRun       string `json:"next_run,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// GroupView is one row of the groups.json snapshot: a chat the bot can
// see and whether it is already registered. Main gets the full list,
// other groups only themselves.
type GroupView struct {
	ChannelID    string `json:"channelId"`
	Name         string `json:"name"`
	LastActivity string `json:"lastActivity,omitempty"`
	IsRegistered bool   `json:"isRegistered"`
}
