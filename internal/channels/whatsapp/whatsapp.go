// Package whatsapp is the primary chat adapter. It does not speak the
// WhatsApp protocol itself; a bridge process owns the session and
// relays JSON frames over a local WebSocket. Chat ids are JIDs (groups
// end in @g.us) and travel prefixed as "wa:{jid}" inside the system.
package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

const (
	prefix       = "wa"
	maxBackoff   = time.Minute
	writeTimeout = 10 * time.Second
)

// frame is one JSON message on the bridge socket, both directions.
type frame struct {
	Type      string  `json:"type"`
	ID        string  `json:"id,omitempty"`
	From      string  `json:"from,omitempty"`
	FromName  string  `json:"from_name,omitempty"`
	Chat      string  `json:"chat,omitempty"`
	ChatName  string  `json:"chat_name,omitempty"`
	To        string  `json:"to,omitempty"`
	Content   string  `json:"content,omitempty"`
	Mentioned bool    `json:"mentioned,omitempty"`
	ReplyToMe bool    `json:"reply_to_me,omitempty"`
	FromSelf  bool    `json:"from_self,omitempty"`
	State     bool    `json:"state,omitempty"`
	Media     []media `json:"media,omitempty"`
}

type media struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

// Channel is the bridge client.
type Channel struct {
	cfg   config.WhatsAppConfig
	bus   *bus.MessageBus
	saver channels.AttachmentSaver

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.WhatsAppConfig, msgBus *bus.MessageBus, saver channels.AttachmentSaver) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Channel{cfg: cfg, bus: msgBus, saver: saver}, nil
}

func (c *Channel) Name() string { return prefix }

// Start begins the connect/listen loop. The initial dial failing is not
// fatal; the loop keeps retrying with backoff.
func (c *Channel) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.listenLoop(ctx)
	return nil
}

func (c *Channel) Stop(context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	if c.done != nil {
		<-c.done
	}
	return nil
}

func (c *Channel) Send(ctx context.Context, chatID, text string) error {
	return c.write(frame{Type: "message", To: chatID, Content: text})
}

func (c *Channel) SetTyping(ctx context.Context, chatID string, on bool) error {
	return c.write(frame{Type: "typing", To: chatID, State: on})
}

func (c *Channel) write(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal bridge frame: %w", err)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write bridge frame: %w", err)
	}
	return nil
}

func (c *Channel) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.Dial(c.cfg.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", c.cfg.BridgeURL, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	slog.Info("whatsapp.bridge_connected", "url", c.cfg.BridgeURL)
	return nil
}

// listenLoop reads frames until ctx is done, reconnecting with
// exponential backoff after any failure.
func (c *Channel) listenLoop(ctx context.Context) {
	defer close(c.done)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connect(); err != nil {
			slog.Warn("whatsapp.bridge_connect_failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		for {
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				break
			}
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("whatsapp.bridge_read_failed", "error", err)
				}
				c.mu.Lock()
				if c.conn != nil {
					_ = c.conn.Close()
					c.conn = nil
				}
				c.mu.Unlock()
				break
			}
			c.handleFrame(ctx, data)
		}
	}
}

func (c *Channel) handleFrame(ctx context.Context, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("whatsapp.bad_frame", "error", err)
		return
	}
	if f.Type != "message" || f.Chat == "" {
		return
	}

	channelID := channels.ChannelID(prefix, f.Chat)
	msg := bus.InboundMessage{
		ChannelID:  channelID,
		ChatName:   f.ChatName,
		SenderName: f.FromName,
		Content:    f.Content,
		Timestamp:  time.Now(),
		MessageID:  f.ID,
		Mentioned:  f.Mentioned,
		ReplyToBot: f.ReplyToMe,
		FromSelf:   f.FromSelf,
	}
	if msg.ChatName == "" {
		msg.ChatName = f.Chat
	}
	if msg.SenderName == "" {
		msg.SenderName = f.From
	}

	for _, m := range f.Media {
		if c.saver == nil {
			break
		}
		raw, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			slog.Warn("whatsapp.bad_media", "name", m.Name, "error", err)
			continue
		}
		if att, ok := c.saver(ctx, channelID, f.ID, m.Name, m.MimeType, raw); ok {
			msg.Attachments = append(msg.Attachments, att)
		}
	}

	c.bus.PublishInbound(msg)
}
