// Package channels is the adapter layer between chat platforms and the
// supervisor. Adapters normalize platform events onto the message bus;
// outbound text flows back through the Manager, which routes by the
// channel-id prefix, chunks to the platform limit and rate-limits sends.
package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// AttachmentSaver persists one inbound media file under the owning
// group's workspace and describes it for the message row. ok is false
// when the channel has no registered group to own the file.
type AttachmentSaver func(ctx context.Context, channelID, messageID, name, mimeType string, data []byte) (att bus.Attachment, ok bool)

// Channel is one platform adapter. Name doubles as the channel-id
// prefix ("wa", "tg", "dc"); chat ids handed to Send and SetTyping have
// the prefix already stripped.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, chatID, text string) error
	SetTyping(ctx context.Context, chatID string, on bool) error
}

// ChannelID builds the prefixed id adapters publish on the bus.
func ChannelID(prefix, chatID string) string {
	return prefix + ":" + chatID
}

// SplitChannelID separates a prefixed channel id into adapter name and
// platform chat id.
func SplitChannelID(channelID string) (prefix, chatID string, err error) {
	i := strings.Index(channelID, ":")
	if i <= 0 || i == len(channelID)-1 {
		return "", "", fmt.Errorf("malformed channel id %q", channelID)
	}
	return channelID[:i], channelID[i+1:], nil
}
