// Package discord adapts Discord text channels through the gateway.
// Channel ids travel as "dc:{channelID}". Requires the message-content
// intent to be enabled for the bot.
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

const (
	prefix       = "dc"
	maxMediaSize = 10 << 20
)

// Channel is the discordgo gateway adapter.
type Channel struct {
	cfg       config.DiscordConfig
	bus       *bus.MessageBus
	saver     channels.AttachmentSaver
	session   *discordgo.Session
	botUserID string
}

func New(cfg config.DiscordConfig, msgBus *bus.MessageBus, saver channels.AttachmentSaver) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Channel{cfg: cfg, bus: msgBus, saver: saver, session: session}, nil
}

func (c *Channel) Name() string { return prefix }

func (c *Channel) Start(context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord identity: %w", err)
	}
	c.botUserID = user.ID
	slog.Info("discord.connected", "username", user.Username)
	return nil
}

func (c *Channel) Stop(context.Context) error {
	return c.session.Close()
}

func (c *Channel) Send(_ context.Context, chatID, text string) error {
	_, err := c.session.ChannelMessageSend(chatID, text)
	return err
}

func (c *Channel) SetTyping(_ context.Context, chatID string, on bool) error {
	if !on {
		return nil
	}
	return c.session.ChannelTyping(chatID)
}

func (c *Channel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	channelID := channels.ChannelID(prefix, m.ChannelID)

	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			mentioned = true
			break
		}
	}
	replyToBot := m.ReferencedMessage != nil &&
		m.ReferencedMessage.Author != nil &&
		m.ReferencedMessage.Author.ID == c.botUserID

	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}

	msg := bus.InboundMessage{
		ChannelID:  channelID,
		ChatName:   m.ChannelID,
		SenderName: name,
		Content:    m.Content,
		Timestamp:  time.Now(),
		MessageID:  m.ID,
		Mentioned:  mentioned,
		ReplyToBot: replyToBot,
		FromSelf:   m.Author.ID == c.botUserID,
	}

	if c.saver != nil {
		for _, a := range m.Attachments {
			if a.Size > maxMediaSize {
				slog.Warn("discord.attachment_too_large", "name", a.Filename, "size", a.Size)
				continue
			}
			data, err := fetchAttachment(a.URL)
			if err != nil {
				slog.Warn("discord.attachment_download_failed", "name", a.Filename, "error", err)
				continue
			}
			mime := a.ContentType
			if mime == "" {
				mime = "application/octet-stream"
			}
			if att, ok := c.saver(context.Background(), channelID, m.ID, a.Filename, mime, data); ok {
				msg.Attachments = append(msg.Attachments, att)
			}
		}
	}

	c.bus.PublishInbound(msg)
}

func fetchAttachment(url string) ([]byte, error) {
	if !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("refusing non-https attachment url")
	}
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxMediaSize {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxMediaSize)
	}
	return data, nil
}
