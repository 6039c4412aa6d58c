// Package ipc consumes the file-based channel from sandboxed agents
// back to the host. Every drop directory is owned by exactly one group;
// the directory path, never the payload, decides who is asking. Files
// that fail parsing or authorization are quarantined, not retried.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanoclaw/internal/schedule"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

const pollInterval = 500 * time.Millisecond

// Sender delivers text to a chat channel. Implemented by the channel
// manager.
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
}

// Watcher polls the IPC tree and applies agent requests. fsnotify
// events trigger extra scans; the poll remains the correctness
// guarantee (mounts and editors do not always emit events).
type Watcher struct {
	dir        string // {dataDir}/ipc
	mainFolder string
	store      store.Store
	sender     Sender
	loc        *time.Location

	// onRegister runs after a successful register_channel so the
	// supervisor can create the group workspace.
	onRegister func(ctx context.Context, group store.RegisteredGroup) error
}

func NewWatcher(dir, mainFolder string, st store.Store, sender Sender, loc *time.Location, onRegister func(ctx context.Context, group store.RegisteredGroup) error) *Watcher {
	return &Watcher{
		dir:        dir,
		mainFolder: mainFolder,
		store:      st,
		sender:     sender,
		loc:        loc,
		onRegister: onRegister,
	}
}

// Run scans until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("ipc.fsnotify_unavailable", "error", err)
		fsw = nil
	} else {
		defer fsw.Close()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		w.Scan(ctx)
		if fsw != nil {
			w.refreshWatches(fsw)
		}

		var events <-chan fsnotify.Event
		var errs <-chan error
		if fsw != nil {
			events = fsw.Events
			errs = fsw.Errors
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-events:
			// A rename landed; fall through to the scan.
		case err := <-errs:
			slog.Debug("ipc.fsnotify_error", "error", err)
		}
	}
}

// refreshWatches keeps fsnotify pointed at every group's drop dirs.
// Re-adding an existing watch is harmless.
func (w *Watcher) refreshWatches(fsw *fsnotify.Watcher) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		for _, sub := range []string{"messages", "tasks"} {
			_ = fsw.Add(filepath.Join(w.dir, e.Name(), sub))
		}
	}
}

// Scan walks every group's drop directories once. Exported so startup
// and tests can force a pass.
func (w *Watcher) Scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("ipc.scan_failed", "error", err)
		}
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		w.scanGroup(ctx, e.Name())
	}
}

func (w *Watcher) scanGroup(ctx context.Context, sourceGroup string) {
	for _, sub := range []string{"messages", "tasks"} {
		dir := filepath.Join(w.dir, sourceGroup, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			// Writers rename *.json.tmp into place; anything else in
			// the directory is not ours to touch yet.
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := w.consume(ctx, sourceGroup, path); err != nil {
				slog.Warn("ipc.poison", "source", sourceGroup, "file", e.Name(), "error", err)
				w.quarantine(sourceGroup, path)
				continue
			}
			if err := os.Remove(path); err != nil {
				slog.Warn("ipc.unlink_failed", "file", path, "error", err)
			}
		}
	}
}

func (w *Watcher) consume(ctx context.Context, sourceGroup, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	var env protocol.IPCEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	isMain := sourceGroup == w.mainFolder
	switch env.Type {
	case protocol.IPCMessage:
		return w.handleMessage(ctx, sourceGroup, isMain, env)
	case protocol.IPCScheduleTask:
		return w.handleScheduleTask(ctx, sourceGroup, isMain, env)
	case protocol.IPCPauseTask:
		return w.handleTaskStatus(ctx, sourceGroup, isMain, env.TaskID, store.TaskPaused)
	case protocol.IPCResumeTask:
		return w.handleResumeTask(ctx, sourceGroup, isMain, env.TaskID)
	case protocol.IPCCancelTask:
		return w.handleCancelTask(ctx, sourceGroup, isMain, env.TaskID)
	case protocol.IPCRefreshGroups:
		if !isMain {
			return errors.New("refresh_groups requires main")
		}
		return WriteGroupsSnapshot(ctx, w.store, w.dir, sourceGroup, true)
	case protocol.IPCRegisterChannel:
		if !isMain {
			return errors.New("register_channel requires main")
		}
		return w.handleRegisterChannel(ctx, env)
	default:
		return fmt.Errorf("unknown ipc type %q", env.Type)
	}
}

// authorizeChannel checks that a source group may act on a channel:
// main may act anywhere, everyone else only on channels registered to
// their own folder.
func (w *Watcher) authorizeChannel(ctx context.Context, sourceGroup string, isMain bool, channelID string) error {
	if isMain {
		return nil
	}
	group, err := w.store.GetGroup(ctx, channelID)
	if err != nil {
		return err
	}
	if group == nil || group.Config.Folder != sourceGroup {
		return fmt.Errorf("group %q may not act on channel %q", sourceGroup, channelID)
	}
	return nil
}

func (w *Watcher) handleMessage(ctx context.Context, sourceGroup string, isMain bool, env protocol.IPCEnvelope) error {
	if env.ChannelID == "" || env.Text == "" {
		return errors.New("message requires channelId and text")
	}
	if err := w.authorizeChannel(ctx, sourceGroup, isMain, env.ChannelID); err != nil {
		return err
	}
	if err := w.sender.Send(ctx, env.ChannelID, env.Text); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (w *Watcher) handleScheduleTask(ctx context.Context, sourceGroup string, isMain bool, env protocol.IPCEnvelope) error {
	if env.Prompt == "" || env.TargetChannelID == "" {
		return errors.New("schedule_task requires prompt and targetChannelId")
	}
	if env.ContextMode != store.ContextGroup && env.ContextMode != store.ContextIsolated {
		return fmt.Errorf("context_mode must be group or isolated, got %q", env.ContextMode)
	}
	if err := w.authorizeChannel(ctx, sourceGroup, isMain, env.TargetChannelID); err != nil {
		return err
	}
	now := time.Now()
	if err := schedule.Validate(env.ScheduleType, env.ScheduleValue, now); err != nil {
		return err
	}
	nextRun, err := schedule.NextRun(env.ScheduleType, env.ScheduleValue, now, w.loc)
	if err != nil {
		return err
	}

	// The task belongs to the TARGET channel's group, not the writer:
	// main scheduling for another group must not leak main's context.
	target, err := w.store.GetGroup(ctx, env.TargetChannelID)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("target channel %q is not registered", env.TargetChannelID)
	}

	task := store.Task{
		ID:            uuid.NewString(),
		GroupFolder:   target.Config.Folder,
		ChannelID:     env.TargetChannelID,
		Prompt:        env.Prompt,
		ScheduleType:  env.ScheduleType,
		ScheduleValue: env.ScheduleValue,
		ContextMode:   env.ContextMode,
		Status:        store.TaskActive,
		NextRun:       nextRun,
		CreatedAt:     store.NowTimestamp(),
	}
	if err := w.store.CreateTask(ctx, task); err != nil {
		return err
	}
	slog.Info("ipc.task_created", "task_id", task.ID, "source", sourceGroup, "next_run", nextRun)
	return nil
}

// authorizeTask loads a task and checks folder ownership.
func (w *Watcher) authorizeTask(ctx context.Context, sourceGroup string, isMain bool, taskID string) (*store.Task, error) {
	if taskID == "" {
		return nil, errors.New("missing taskId")
	}
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %q not found", taskID)
	}
	if !isMain && task.GroupFolder != sourceGroup {
		return nil, fmt.Errorf("group %q may not act on task %q of group %q", sourceGroup, taskID, task.GroupFolder)
	}
	return task, nil
}

func (w *Watcher) handleTaskStatus(ctx context.Context, sourceGroup string, isMain bool, taskID, status string) error {
	if _, err := w.authorizeTask(ctx, sourceGroup, isMain, taskID); err != nil {
		return err
	}
	return w.store.SetTaskStatus(ctx, taskID, status)
}

func (w *Watcher) handleResumeTask(ctx context.Context, sourceGroup string, isMain bool, taskID string) error {
	task, err := w.authorizeTask(ctx, sourceGroup, isMain, taskID)
	if err != nil {
		return err
	}
	// A schedule can come due while paused; push next_run forward so
	// resuming does not fire a backlog of missed occurrences.
	if task.ScheduleType != store.ScheduleOnce {
		next, err := schedule.NextRun(task.ScheduleType, task.ScheduleValue, time.Now(), w.loc)
		if err != nil {
			return err
		}
		if err := w.store.UpdateTaskNextRun(ctx, taskID, next); err != nil {
			return err
		}
	}
	return w.store.SetTaskStatus(ctx, taskID, store.TaskActive)
}

func (w *Watcher) handleCancelTask(ctx context.Context, sourceGroup string, isMain bool, taskID string) error {
	if _, err := w.authorizeTask(ctx, sourceGroup, isMain, taskID); err != nil {
		return err
	}
	return w.store.DeleteTask(ctx, taskID)
}

func (w *Watcher) handleRegisterChannel(ctx context.Context, env protocol.IPCEnvelope) error {
	if env.ChannelID == "" || env.Name == "" || env.Folder == "" {
		return errors.New("register_channel requires channelId, name and folder")
	}
	if cleaned := sanitizeFolder(env.Folder); cleaned != env.Folder || cleaned == "" {
		return fmt.Errorf("folder %q is not filesystem-safe", env.Folder)
	}
	if env.Trigger != "" {
		if _, err := compileTrigger(env.Trigger); err != nil {
			return fmt.Errorf("invalid trigger regex: %w", err)
		}
	}

	// Folder slugs must stay unique; two channels sharing a workspace
	// would also share a session file.
	groups, err := w.store.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if g.Config.Folder == env.Folder && g.ChannelID != env.ChannelID {
			return fmt.Errorf("folder %q already used by channel %q", env.Folder, g.ChannelID)
		}
	}

	group := store.RegisteredGroup{
		ChannelID: env.ChannelID,
		Config: store.GroupConfig{
			Name:    env.Name,
			Folder:  env.Folder,
			Trigger: env.Trigger,
		},
	}
	if len(env.ContainerConfig) > 0 {
		var overrides store.ContainerOverrides
		if err := json.Unmarshal(env.ContainerConfig, &overrides); err != nil {
			return fmt.Errorf("invalid containerConfig: %w", err)
		}
		group.Config.Container = &overrides
	}
	if err := w.store.RegisterGroup(ctx, group); err != nil {
		return err
	}
	if w.onRegister != nil {
		if err := w.onRegister(ctx, group); err != nil {
			return err
		}
	}
	slog.Info("ipc.channel_registered", "channel_id", env.ChannelID, "folder", env.Folder)
	return nil
}

// quarantine moves a poison file to {dir}/errors/{sourceGroup}-{name}.
func (w *Watcher) quarantine(sourceGroup, path string) {
	errDir := filepath.Join(w.dir, "errors")
	if err := os.MkdirAll(errDir, 0755); err != nil {
		slog.Error("ipc.quarantine_mkdir_failed", "error", err)
		return
	}
	dst := filepath.Join(errDir, sourceGroup+"-"+filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		slog.Error("ipc.quarantine_failed", "file", path, "error", err)
	}
}
