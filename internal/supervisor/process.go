package supervisor

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/nanoclaw/internal/channels/typing"
	"github.com/nextlevelbuilder/nanoclaw/internal/container"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/schedule"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

const maxInlineImage = 10 << 20 // per-file cap for prompt images

// ProcessChannel is the message processor injected into the queue. A
// nil return advances nothing wrongly: either the batch was consumed by
// an agent run (watermark advanced) or there was legitimately nothing
// to do. An error return leaves the watermark alone so the retry sees
// the same batch.
func (s *Supervisor) ProcessChannel(ctx context.Context, channelID string) error {
	ctx, span := otel.Tracer("nanoclaw/supervisor").Start(ctx, "supervisor.process",
		trace.WithAttributes(attribute.String("channel.id", channelID)))
	defer span.End()

	group, err := s.store.GetGroup(ctx, channelID)
	if err != nil {
		return err
	}
	if group == nil {
		// Unregistered channels have no agent; nothing to retry.
		return nil
	}

	msgs, err := s.store.ChannelMessagesAfter(ctx, channelID, s.agentWatermark(channelID), s.cfg.AssistantName)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	isMain := group.Config.Folder == s.cfg.MainGroupFolder
	if !isMain && group.Config.NeedsTrigger() && !s.batchTriggered(group.Config, msgs) {
		// No trigger: success without running. The watermark stays put
		// so these messages ride along once a trigger arrives.
		return nil
	}

	prompt := FormatMessages(msgs)
	images := s.collectImages(group.Config.Folder, msgs)

	sessionID, err := s.sessions.Get(ctx, group.Config.Folder)
	if err != nil {
		return err
	}

	out, err := s.invoke(ctx, group.Config, protocol.ContainerInput{
		Prompt:      prompt,
		SessionID:   sessionID,
		GroupFolder: group.Config.Folder,
		ChannelID:   channelID,
		IsMain:      isMain,
		Images:      images,
	})
	if err != nil {
		return err
	}

	if err := s.advanceAgentWatermark(ctx, channelID, msgs[len(msgs)-1].Timestamp); err != nil {
		return err
	}
	s.deliver(ctx, channelID, out)
	return nil
}

// RunTask executes one scheduled task invocation. Implements
// schedule.Invoker. Message watermarks are untouched: a task run
// consumes no chat backlog.
func (s *Supervisor) RunTask(ctx context.Context, task store.Task) error {
	group, err := s.store.GetGroup(ctx, task.ChannelID)
	if err != nil {
		return err
	}
	if group == nil {
		slog.Warn("supervisor.task_channel_gone", "task_id", task.ID, "channel_id", task.ChannelID)
		return nil
	}

	sessionID := ""
	if task.ContextMode == store.ContextGroup {
		sessionID, err = s.sessions.Get(ctx, group.Config.Folder)
		if err != nil {
			return err
		}
	}

	out, err := s.invoke(ctx, group.Config, protocol.ContainerInput{
		Prompt:          schedule.TaskBanner(task.Prompt),
		SessionID:       sessionID,
		GroupFolder:     group.Config.Folder,
		ChannelID:       task.ChannelID,
		IsMain:          group.Config.Folder == s.cfg.MainGroupFolder,
		IsScheduledTask: true,
	})
	if err != nil {
		return err
	}
	s.deliver(ctx, task.ChannelID, out)
	return nil
}

// invoke prepares the sandbox environment (dirs, snapshots, typing
// indicator), runs the agent and records the new session id.
func (s *Supervisor) invoke(ctx context.Context, group store.GroupConfig, input protocol.ContainerInput) (*protocol.ContainerOutput, error) {
	if err := s.ensureGroupDirs(group.Folder); err != nil {
		return nil, err
	}
	isMain := group.Folder == s.cfg.MainGroupFolder
	if err := ipc.WriteTasksSnapshot(ctx, s.store, s.cfg.IPCDir(), group.Folder, isMain); err != nil {
		return nil, fmt.Errorf("tasks snapshot: %w", err)
	}
	if err := ipc.WriteGroupsSnapshot(ctx, s.store, s.cfg.IPCDir(), group.Folder, isMain); err != nil {
		return nil, fmt.Errorf("groups snapshot: %w", err)
	}

	indicator := typing.Start(ctx, func(ctx context.Context) error {
		return s.out.SetTyping(ctx, input.ChannelID, true)
	})
	defer func() {
		indicator.Stop()
		if err := s.out.SetTyping(context.WithoutCancel(ctx), input.ChannelID, false); err != nil {
			slog.Debug("supervisor.typing_off_failed", "error", err)
		}
	}()

	out, err := s.runner.Run(ctx, group, input, func(proc container.Handle, name string) {
		s.queue.RegisterProcess(input.ChannelID, proc, name)
	})
	if err != nil {
		return nil, err
	}
	if out.NewSessionID != "" {
		if err := s.sessions.Set(ctx, group.Folder, out.NewSessionID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// deliver sends the agent's reply, when there is one. Send failures are
// logged, never retried: the agent can reach the channel via IPC if it
// cares, and replaying the run would duplicate its side effects.
func (s *Supervisor) deliver(ctx context.Context, channelID string, out *protocol.ContainerOutput) {
	if out.Result == nil || out.Result.OutputType != protocol.OutputMessage {
		return
	}
	text := strings.TrimSpace(out.Result.UserMessage)
	if text == "" {
		return
	}
	if err := s.out.Send(ctx, channelID, text); err != nil {
		slog.Error("supervisor.send_failed", "channel_id", channelID, "error", err)
	}
}

// batchTriggered reports whether any message in the batch authorizes an
// agent run: a platform mention/reply, or a trigger-regex hit (group
// override first, else the assistant-name default).
func (s *Supervisor) batchTriggered(group store.GroupConfig, msgs []store.Message) bool {
	trigger := s.trigger
	if group.Trigger != "" {
		if re, err := regexp.Compile(group.Trigger); err == nil {
			trigger = re
		} else {
			slog.Warn("supervisor.bad_group_trigger", "folder", group.Folder, "error", err)
		}
	}
	for _, m := range msgs {
		if m.MentionsBot || trigger.MatchString(m.Content) {
			return true
		}
	}
	return false
}

// FormatMessages renders a batch as the XML-escaped block the agent
// prompt embeds.
func FormatMessages(msgs []store.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		b.WriteString(`  <message sender="`)
		xmlEscape(&b, m.SenderName)
		b.WriteString(`" time="`)
		xmlEscape(&b, m.Timestamp)
		b.WriteString(`">`)
		xmlEscape(&b, m.Content)
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}

func xmlEscape(b *strings.Builder, s string) {
	_ = xml.EscapeText(b, []byte(s))
}

var attachmentLineRe = regexp.MustCompile(`\[file: ([^|\]]+) \| ([^|\]]+) \| ([^\]]+)\]`)

// collectImages loads image attachments referenced in the batch as
// inline prompt images. Non-images stay path-only; the agent reads them
// through the mount.
func (s *Supervisor) collectImages(folder string, msgs []store.Message) []protocol.InputImage {
	var images []protocol.InputImage
	for _, m := range msgs {
		for _, match := range attachmentLineRe.FindAllStringSubmatch(m.Content, -1) {
			name := strings.TrimSpace(match[1])
			mime := strings.TrimSpace(match[2])
			rel := strings.TrimSpace(match[3])
			if !strings.HasPrefix(mime, "image/") {
				continue
			}
			abs := filepath.Join(s.cfg.GroupDir(folder), filepath.FromSlash(rel))
			info, err := os.Stat(abs)
			if err != nil || info.Size() > maxInlineImage {
				continue
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				slog.Warn("supervisor.image_read_failed", "path", rel, "error", err)
				continue
			}
			images = append(images, protocol.InputImage{
				Name:     name,
				MimeType: mime,
				Data:     base64.StdEncoding.EncodeToString(data),
			})
		}
	}
	return images
}
