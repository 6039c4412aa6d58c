package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

var folderRe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// sanitizeFolder reduces a folder slug to filesystem-safe characters.
func sanitizeFolder(folder string) string {
	return folderRe.ReplaceAllString(folder, "")
}

// compileTrigger validates a per-group trigger regex.
func compileTrigger(expr string) (*regexp.Regexp, error) {
	return regexp.Compile(expr)
}

// EnsureGroupDirs creates a group's IPC drop directories.
func EnsureGroupDirs(ipcDir, folder string) error {
	for _, sub := range []string{"messages", "tasks"} {
		if err := os.MkdirAll(filepath.Join(ipcDir, folder, sub), 0755); err != nil {
			return fmt.Errorf("create ipc dir: %w", err)
		}
	}
	return nil
}

// WriteTasksSnapshot refreshes {ipc}/{folder}/tasks.json so the agent
// can answer list_tasks without talking to the host. Non-main groups
// see only their own tasks.
func WriteTasksSnapshot(ctx context.Context, st store.Store, ipcDir, folder string, isMain bool) error {
	filter := folder
	if isMain {
		filter = ""
	}
	tasks, err := st.ListTasks(ctx, filter)
	if err != nil {
		return err
	}
	views := make([]protocol.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, protocol.TaskView{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			ChannelID:     t.ChannelID,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			ContextMode:   t.ContextMode,
			Status:        t.Status,
			NextRun:       t.NextRun,
			CreatedAt:     t.CreatedAt,
		})
	}
	return writeJSONAtomic(filepath.Join(ipcDir, folder, "tasks.json"), views)
}

// WriteGroupsSnapshot refreshes {ipc}/{folder}/groups.json. Main sees
// every chat the bot knows about; other groups see only themselves.
func WriteGroupsSnapshot(ctx context.Context, st store.Store, ipcDir, folder string, isMain bool) error {
	groups, err := st.ListGroups(ctx)
	if err != nil {
		return err
	}
	registered := make(map[string]store.RegisteredGroup, len(groups))
	for _, g := range groups {
		registered[g.ChannelID] = g
	}

	var views []protocol.GroupView
	if isMain {
		chats, err := st.ListChats(ctx)
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(chats))
		for _, c := range chats {
			name := c.Name
			if g, ok := registered[c.JID]; ok && g.Config.Name != "" {
				name = g.Config.Name
			}
			views = append(views, protocol.GroupView{
				ChannelID:    c.JID,
				Name:         name,
				LastActivity: c.LastMessageTime,
				IsRegistered: registered[c.JID].ChannelID != "",
			})
			seen[c.JID] = true
		}
		// Registered channels with no chat row yet still show up.
		for _, g := range groups {
			if !seen[g.ChannelID] {
				views = append(views, protocol.GroupView{
					ChannelID:    g.ChannelID,
					Name:         g.Config.Name,
					IsRegistered: true,
				})
			}
		}
	} else {
		for _, g := range groups {
			if g.Config.Folder == folder {
				views = append(views, protocol.GroupView{
					ChannelID:    g.ChannelID,
					Name:         g.Config.Name,
					IsRegistered: true,
				})
			}
		}
	}
	if views == nil {
		views = []protocol.GroupView{}
	}
	return writeJSONAtomic(filepath.Join(ipcDir, folder, "groups.json"), views)
}

// writeJSONAtomic writes via a temp file and rename so the sandbox
// never reads a half-written snapshot.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
