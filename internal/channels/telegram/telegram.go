// Package telegram adapts Telegram chats via long polling. Channel ids
// travel as "tg:{chatID}".
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

const (
	prefix       = "tg"
	maxMediaSize = 10 << 20 // 10 MB, matching the prompt-image cap
)

// Channel is the telego long-polling adapter.
type Channel struct {
	cfg   config.TelegramConfig
	bus   *bus.MessageBus
	saver channels.AttachmentSaver

	bot        *telego.Bot
	botID      int64
	botMention string // "@username", lowercased

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg config.TelegramConfig, msgBus *bus.MessageBus, saver channels.AttachmentSaver) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	bot, err := telego.NewBot(cfg.Token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{cfg: cfg, bus: msgBus, saver: saver, bot: bot}, nil
}

func (c *Channel) Name() string { return prefix }

// Start begins long polling.
func (c *Channel) Start(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram identity: %w", err)
	}
	c.botID = me.ID
	c.botMention = "@" + strings.ToLower(me.Username)

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("telegram.connected", "username", me.Username)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

func (c *Channel) Stop(context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		<-c.pollDone
	}
	return nil
}

func (c *Channel) Send(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", chatID, err)
	}
	_, err = c.bot.SendMessage(ctx, tu.Message(tu.ID(id), text))
	return err
}

func (c *Channel) SetTyping(ctx context.Context, chatID string, on bool) error {
	if !on {
		// Telegram has no explicit "stop typing"; the action expires.
		return nil
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", chatID, err)
	}
	return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), telego.ChatActionTyping))
}

func (c *Channel) handleMessage(ctx context.Context, m *telego.Message) {
	if m.From == nil {
		return
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	channelID := channels.ChannelID(prefix, chatID)

	text := m.Text
	if text == "" {
		text = m.Caption
	}

	msg := bus.InboundMessage{
		ChannelID:  channelID,
		ChatName:   chatName(m.Chat),
		SenderName: senderName(m.From),
		Content:    text,
		Timestamp:  time.Now(),
		MessageID:  strconv.Itoa(m.MessageID),
		Mentioned:  c.detectMention(m),
		ReplyToBot: m.ReplyToMessage != nil && m.ReplyToMessage.From != nil && m.ReplyToMessage.From.ID == c.botID,
		FromSelf:   m.From.ID == c.botID,
	}

	if len(m.Photo) > 0 && c.saver != nil {
		if att, ok := c.savePhoto(ctx, channelID, msg.MessageID, m.Photo); ok {
			msg.Attachments = append(msg.Attachments, att)
		}
	}
	if m.Document != nil && c.saver != nil {
		if att, ok := c.saveDocument(ctx, channelID, msg.MessageID, m.Document); ok {
			msg.Attachments = append(msg.Attachments, att)
		}
	}

	c.bus.PublishInbound(msg)
}

// detectMention reports whether the message @-mentions the bot via an
// entity or a plain-text handle.
func (c *Channel) detectMention(m *telego.Message) bool {
	text := m.Text
	entities := m.Entities
	if text == "" {
		text = m.Caption
		entities = m.CaptionEntities
	}
	for _, e := range entities {
		if e.Type != telego.EntityTypeMention {
			continue
		}
		start, end := e.Offset, e.Offset+e.Length
		runes := []rune(text)
		if start < 0 || end > len(runes) {
			continue
		}
		if strings.ToLower(string(runes[start:end])) == c.botMention {
			return true
		}
	}
	return strings.Contains(strings.ToLower(text), c.botMention)
}

// savePhoto downloads the largest rendition, downscales oversized
// images and hands the bytes to the attachment saver.
func (c *Channel) savePhoto(ctx context.Context, channelID, messageID string, sizes []telego.PhotoSize) (bus.Attachment, bool) {
	best := sizes[len(sizes)-1]
	data, err := c.download(ctx, best.FileID)
	if err != nil {
		slog.Warn("telegram.photo_download_failed", "error", err)
		return bus.Attachment{}, false
	}
	data, err = downscaleJPEG(data, maxImageEdge)
	if err != nil {
		slog.Warn("telegram.photo_decode_failed", "error", err)
		return bus.Attachment{}, false
	}
	name := "photo-" + messageID + ".jpg"
	return c.saver(ctx, channelID, messageID, name, "image/jpeg", data)
}

func (c *Channel) saveDocument(ctx context.Context, channelID, messageID string, doc *telego.Document) (bus.Attachment, bool) {
	if doc.FileSize > maxMediaSize {
		slog.Warn("telegram.document_too_large", "name", doc.FileName, "size", doc.FileSize)
		return bus.Attachment{}, false
	}
	data, err := c.download(ctx, doc.FileID)
	if err != nil {
		slog.Warn("telegram.document_download_failed", "error", err)
		return bus.Attachment{}, false
	}
	name := doc.FileName
	if name == "" {
		name = "document-" + messageID
	}
	mime := doc.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return c.saver(ctx, channelID, messageID, name, mime, data)
}

func (c *Channel) download(ctx context.Context, fileID string) ([]byte, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("empty file path for %s", fileID)
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxMediaSize {
		return nil, fmt.Errorf("file exceeds %d bytes", maxMediaSize)
	}
	return data, nil
}

func chatName(chat telego.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	return strings.TrimSpace(chat.FirstName + " " + chat.LastName)
}

func senderName(u *telego.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}
