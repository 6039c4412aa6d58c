package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// ipcTools write envelope files into the group's IPC mount. The host
// derives the writer's identity from the mount, so nothing here needs
// to prove who it is.
func (a *Agent) ipcTools() []Tool {
	return []Tool{
		{
			Decl: FunctionDecl{
				Name:        "send_message",
				Description: "Send a message to a chat channel immediately, outside the normal reply.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"channelId": map[string]any{"type": "string", "description": "Target channel id. Defaults to the current channel."},
						"text":      map[string]any{"type": "string", "description": "Message text."},
					},
					"required": []string{"text"},
				},
			},
			Run: func(_ context.Context, args map[string]any) (string, error) {
				text := stringArg(args, "text")
				if strings.TrimSpace(text) == "" {
					return "", fmt.Errorf("text is required")
				}
				channelID := stringArg(args, "channelId")
				if channelID == "" {
					channelID = a.input.ChannelID
				}
				if err := a.writeIPC("messages", protocol.IPCEnvelope{
					Type:      protocol.IPCMessage,
					ChannelID: channelID,
					Text:      text,
				}); err != nil {
					return "", err
				}
				return "message queued for delivery", nil
			},
		},
		{
			Decl: FunctionDecl{
				Name:        "schedule_task",
				Description: "Schedule a recurring or one-off agent task. schedule_value is a cron expression, an interval in milliseconds, or a timestamp for one-off tasks.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"prompt":          map[string]any{"type": "string", "description": "Instructions the task runs with."},
						"schedule_type":   map[string]any{"type": "string", "enum": []string{"cron", "interval", "once"}},
						"schedule_value":  map[string]any{"type": "string", "description": "Cron expression, interval in milliseconds, or ISO timestamp depending on schedule_type."},
						"context_mode":    map[string]any{"type": "string", "enum": []string{"group", "isolated"}, "description": "group continues the chat session, isolated starts fresh. Default group."},
						"targetChannelId": map[string]any{"type": "string", "description": "Channel the task runs against. Defaults to the current channel."},
					},
					"required": []string{"prompt", "schedule_type", "schedule_value"},
				},
			},
			Run: func(_ context.Context, args map[string]any) (string, error) {
				prompt := stringArg(args, "prompt")
				scheduleType := stringArg(args, "schedule_type")
				scheduleValue := stringArg(args, "schedule_value")
				if prompt == "" || scheduleType == "" || scheduleValue == "" {
					return "", fmt.Errorf("prompt, schedule_type and schedule_value are required")
				}
				contextMode := stringArg(args, "context_mode")
				if contextMode == "" {
					contextMode = "group"
				}
				target := stringArg(args, "targetChannelId")
				if target == "" {
					target = a.input.ChannelID
				}
				if err := a.writeIPC("tasks", protocol.IPCEnvelope{
					Type:            protocol.IPCScheduleTask,
					Prompt:          prompt,
					ScheduleType:    scheduleType,
					ScheduleValue:   scheduleValue,
					ContextMode:     contextMode,
					TargetChannelID: target,
				}); err != nil {
					return "", err
				}
				return "task submitted for scheduling", nil
			},
		},
		{
			Decl: FunctionDecl{
				Name:        "list_tasks",
				Description: "List the scheduled tasks visible to this group.",
				Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			},
			Run: func(_ context.Context, _ map[string]any) (string, error) {
				return a.listTasks()
			},
		},
		a.taskControlTool("pause_task", protocol.IPCPauseTask, "Pause a scheduled task."),
		a.taskControlTool("resume_task", protocol.IPCResumeTask, "Resume a paused task."),
		a.taskControlTool("cancel_task", protocol.IPCCancelTask, "Cancel and delete a scheduled task."),
	}
}

func (a *Agent) taskControlTool(name, ipcType, description string) Tool {
	return Tool{
		Decl: FunctionDecl{
			Name:        name,
			Description: description,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"taskId": map[string]any{"type": "string", "description": "Task id from list_tasks."},
				},
				"required": []string{"taskId"},
			},
		},
		Run: func(_ context.Context, args map[string]any) (string, error) {
			taskID := stringArg(args, "taskId")
			if taskID == "" {
				return "", fmt.Errorf("taskId is required")
			}
			if err := a.writeIPC("tasks", protocol.IPCEnvelope{Type: ipcType, TaskID: taskID}); err != nil {
				return "", err
			}
			return name + " submitted", nil
		},
	}
}

// listTasks reads the snapshot the host refreshes before every launch.
func (a *Agent) listTasks() (string, error) {
	data, err := os.ReadFile(filepath.Join(a.ws.IPC, "tasks.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return "no scheduled tasks", nil
		}
		return "", fmt.Errorf("read tasks snapshot: %w", err)
	}
	var tasks []protocol.TaskView
	if err := json.Unmarshal(data, &tasks); err != nil {
		return "", fmt.Errorf("decode tasks snapshot: %w", err)
	}
	if len(tasks) == 0 {
		return "no scheduled tasks", nil
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "- %s [%s] %s %q on %s", t.ID, t.Status, t.ScheduleType, t.ScheduleValue, t.ChannelID)
		if t.NextRun != "" {
			fmt.Fprintf(&b, " next %s", t.NextRun)
		}
		fmt.Fprintf(&b, "\n  %s\n", truncate(t.Prompt, 200))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// writeIPC drops one envelope into the mount via tmp+rename, so the
// host's watcher never reads a half-written file.
func (a *Agent) writeIPC(subdir string, env protocol.IPCEnvelope) error {
	env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	dir := filepath.Join(a.ws.IPC, subdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal ipc envelope: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
