package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Manager owns the registered adapters and all outbound traffic.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel      // adapter name -> adapter
	limiters map[string]*rate.Limiter // channel id -> send limiter
}

func NewManager() *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Register adds an adapter. Call before StartAll.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// StartAll starts every adapter. A single adapter failing to start is
// logged, not fatal: the others still serve their channels.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.channels) == 0 {
		slog.Warn("channels.none_enabled")
		return
	}
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			slog.Error("channels.start_failed", "channel", name, "error", err)
			continue
		}
		slog.Info("channels.started", "channel", name)
	}
}

// StopAll stops every adapter.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channels.stop_failed", "channel", name, "error", err)
		}
	}
}

func (m *Manager) resolve(channelID string) (Channel, string, error) {
	prefix, chatID, err := SplitChannelID(channelID)
	if err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	ch, ok := m.channels[prefix]
	m.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("no adapter for channel %q", channelID)
	}
	return ch, chatID, nil
}

// limiter returns the per-channel send limiter, creating it on first
// use. One message per second with small bursts keeps every platform's
// flood control happy.
func (m *Manager) limiter(channelID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 3)
		m.limiters[channelID] = l
	}
	return l
}

// Send chunks text to the platform limit and delivers each piece in
// order, pacing through the channel's limiter.
func (m *Manager) Send(ctx context.Context, channelID, text string) error {
	ch, chatID, err := m.resolve(channelID)
	if err != nil {
		return err
	}
	limiter := m.limiter(channelID)
	for _, chunk := range SplitMessage(text, MaxMessageRunes) {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := ch.Send(ctx, chatID, chunk); err != nil {
			return fmt.Errorf("send to %s: %w", channelID, err)
		}
	}
	return nil
}

// SetTyping toggles the typing indicator. Errors are returned for the
// caller to log; a failed indicator never blocks a reply.
func (m *Manager) SetTyping(ctx context.Context, channelID string, on bool) error {
	ch, chatID, err := m.resolve(channelID)
	if err != nil {
		return err
	}
	return ch.SetTyping(ctx, chatID, on)
}
