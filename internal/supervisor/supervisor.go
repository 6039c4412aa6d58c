// Package supervisor owns the main control flow: intake of normalized
// chat events into the store, the polling loop that turns new rows into
// queue work, the per-channel processor that batches unseen messages
// into one agent invocation, and startup recovery.
//
// Two watermarks drive correctness. last_timestamp is a dispatch-dedup
// cursor advanced before enqueueing, so a crash re-enqueues rather than
// skips. last_agent_timestamp[channel] is the sole source of truth for
// "which messages has the agent consumed" and only advances after a
// successful run.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/container"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/sessions"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// AgentRunner launches one sandboxed agent invocation. Implemented by
// the container runner; faked in tests.
type AgentRunner interface {
	Run(ctx context.Context, group store.GroupConfig, input protocol.ContainerInput, onSpawn container.OnSpawn) (*protocol.ContainerOutput, error)
}

// Outbound is the slice of the channel manager the supervisor needs.
type Outbound interface {
	Send(ctx context.Context, channelID, text string) error
	SetTyping(ctx context.Context, channelID string, on bool) error
}

// Supervisor wires intake, polling and processing together. All mutable
// routing state (watermarks) funnels through it and is persisted on
// every change.
type Supervisor struct {
	cfg      *config.Config
	store    store.Store
	queue    *queue.Queue
	runner   AgentRunner
	sessions *sessions.Manager
	out      Outbound
	bus      *bus.MessageBus

	trigger *regexp.Regexp // default trigger, word-boundary assistant name

	mu          sync.Mutex
	lastTS      string            // global seen-up-to watermark
	lastAgentTS map[string]string // channel id -> consumed-up-to watermark
	issuedTS    map[string]string // channel id -> last intake timestamp issued
}

func New(cfg *config.Config, st store.Store, q *queue.Queue, runner AgentRunner, sm *sessions.Manager, out Outbound, msgBus *bus.MessageBus) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		store:       st,
		queue:       q,
		runner:      runner,
		sessions:    sm,
		out:         out,
		bus:         msgBus,
		trigger:     regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(cfg.AssistantName) + `\b`),
		lastAgentTS: make(map[string]string),
		issuedTS:    make(map[string]string),
	}
}

// Start loads watermarks, re-enqueues unfinished work, then runs the
// intake and polling loops until ctx is done.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.loadWatermarks(ctx); err != nil {
		return fmt.Errorf("load watermarks: %w", err)
	}
	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	go s.intakeLoop(ctx)
	return s.pollLoop(ctx)
}

func (s *Supervisor) loadWatermarks(ctx context.Context) error {
	last, err := s.store.GetState(ctx, store.StateLastTimestamp)
	if err != nil {
		return err
	}
	raw, err := s.store.GetState(ctx, store.StateLastAgentTimestamps)
	if err != nil {
		return err
	}
	agent := make(map[string]string)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &agent); err != nil {
			return fmt.Errorf("decode last_agent_timestamp: %w", err)
		}
	}
	s.mu.Lock()
	s.lastTS = last
	s.lastAgentTS = agent
	s.mu.Unlock()
	return nil
}

// recover re-enqueues every channel with messages the agent has not
// consumed. Covers the window between advancing last_timestamp and
// finishing processing before a crash.
func (s *Supervisor) recover(ctx context.Context) error {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := s.ensureGroupDirs(g.Config.Folder); err != nil {
			return err
		}
		msgs, err := s.store.ChannelMessagesAfter(ctx, g.ChannelID, s.agentWatermark(g.ChannelID), s.cfg.AssistantName)
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			slog.Info("supervisor.recovered_backlog", "channel_id", g.ChannelID, "count", len(msgs))
			s.queue.EnqueueMessageCheck(g.ChannelID)
		}
	}
	return nil
}

// intakeLoop drains the bus into HandleInbound.
func (s *Supervisor) intakeLoop(ctx context.Context) {
	for {
		msg, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if err := s.HandleInbound(ctx, msg); err != nil {
			slog.Error("supervisor.intake_failed", "channel_id", msg.ChannelID, "error", err)
		}
	}
}

// HandleInbound stores one normalized chat event. Chat metadata is
// recorded unconditionally so main can discover unregistered channels;
// message rows are only kept for registered ones.
func (s *Supervisor) HandleInbound(ctx context.Context, msg bus.InboundMessage) error {
	now := s.nextTimestamp(msg.ChannelID)
	if err := s.store.UpsertChat(ctx, store.Chat{
		JID:             msg.ChannelID,
		Name:            msg.ChatName,
		LastMessageTime: now,
	}); err != nil {
		return err
	}

	group, err := s.store.GetGroup(ctx, msg.ChannelID)
	if err != nil {
		return err
	}
	if group == nil {
		return nil
	}

	sender := msg.SenderName
	if msg.FromSelf {
		// Echoes of our own sends are stored under the bot name so the
		// sender-exclusion in every query drops them.
		sender = s.cfg.AssistantName
	}
	return s.store.StoreMessage(ctx, store.Message{
		ID:          messageID(msg),
		ChannelID:   msg.ChannelID,
		SenderName:  sender,
		Content:     store.BuildMessageContent(msg.Content, msg.Attachments),
		Timestamp:   now,
		MentionsBot: msg.Mentioned || msg.ReplyToBot,
	})
}

// nextTimestamp issues a strictly increasing timestamp per channel. The
// watermark queries use strict >, so two messages landing in the same
// millisecond must not share a timestamp: the second would compare equal
// to an already-advanced watermark and never be fetched.
func (s *Supervisor) nextTimestamp(channelID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := store.NowTimestamp()
	if last := s.issuedTS[channelID]; ts <= last {
		if t, err := store.ParseTimestamp(last); err == nil {
			ts = store.FormatTimestamp(t.Add(time.Millisecond))
		}
	}
	s.issuedTS[channelID] = ts
	return ts
}

func messageID(msg bus.InboundMessage) string {
	if msg.MessageID != "" {
		return msg.ChannelID + ":" + msg.MessageID
	}
	return uuid.NewString()
}

// pollLoop dispatches fresh messages into the queue. The global
// watermark is persisted BEFORE enqueueing: a crash between the two
// re-runs recovery instead of dropping messages.
func (s *Supervisor) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Poll.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.pollOnce(ctx); err != nil {
				slog.Error("supervisor.poll_failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) pollOnce(ctx context.Context) error {
	s.mu.Lock()
	cursor := s.lastTS
	s.mu.Unlock()

	msgs, err := s.store.MessagesAfter(ctx, cursor, s.cfg.AssistantName)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	maxTS := msgs[len(msgs)-1].Timestamp
	if err := s.store.SetState(ctx, store.StateLastTimestamp, maxTS); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastTS = maxTS
	s.mu.Unlock()

	seen := make(map[string]bool)
	for _, m := range msgs {
		if !seen[m.ChannelID] {
			seen[m.ChannelID] = true
			s.queue.EnqueueMessageCheck(m.ChannelID)
		}
	}
	return nil
}

func (s *Supervisor) agentWatermark(channelID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAgentTS[channelID]
}

// advanceAgentWatermark persists the new consumed-up-to cursor. The
// cursor never moves backwards.
func (s *Supervisor) advanceAgentWatermark(ctx context.Context, channelID, ts string) error {
	s.mu.Lock()
	if ts <= s.lastAgentTS[channelID] {
		s.mu.Unlock()
		return nil
	}
	s.lastAgentTS[channelID] = ts
	raw, err := json.Marshal(s.lastAgentTS)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.store.SetState(ctx, store.StateLastAgentTimestamps, string(raw))
}

// ensureGroupDirs creates a group's workspace skeleton and IPC drop
// dirs. Idempotent.
func (s *Supervisor) ensureGroupDirs(folder string) error {
	root := s.cfg.GroupDir(folder)
	for _, sub := range []string{"", "conversations", ".sessions", "logs", "attachments"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return fmt.Errorf("create group dir: %w", err)
		}
	}
	return ipc.EnsureGroupDirs(s.cfg.IPCDir(), folder)
}

// OnRegister is handed to the IPC watcher so register_channel creates
// the workspace immediately.
func (s *Supervisor) OnRegister(ctx context.Context, group store.RegisteredGroup) error {
	return s.ensureGroupDirs(group.Config.Folder)
}

// SaveAttachment implements channels.AttachmentSaver: media lands under
// the owning group's workspace where the sandbox can read it.
func (s *Supervisor) SaveAttachment(ctx context.Context, channelID, msgID, name, mimeType string, data []byte) (bus.Attachment, bool) {
	group, err := s.store.GetGroup(ctx, channelID)
	if err != nil || group == nil {
		return bus.Attachment{}, false
	}
	if msgID == "" {
		msgID = uuid.NewString()
	}
	safeMsg := sanitizePathPart(msgID)
	safeName := sanitizePathPart(name)
	if safeName == "" {
		safeName = "file"
	}
	rel := filepath.Join("attachments", safeMsg, safeName)
	abs := filepath.Join(s.cfg.GroupDir(group.Config.Folder), rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		slog.Error("supervisor.attachment_dir_failed", "error", err)
		return bus.Attachment{}, false
	}
	if err := os.WriteFile(abs, data, 0644); err != nil {
		slog.Error("supervisor.attachment_write_failed", "error", err)
		return bus.Attachment{}, false
	}
	return bus.Attachment{Name: name, MimeType: mimeType, RelPath: rel}, true
}

var pathPartRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// sanitizePathPart keeps attachment names from escaping the group dir.
func sanitizePathPart(s string) string {
	s = filepath.Base(s)
	s = pathPartRe.ReplaceAllString(s, "_")
	if s == "." || s == ".." {
		return ""
	}
	return s
}
