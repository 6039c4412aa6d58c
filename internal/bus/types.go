package bus

import "time"

// InboundMessage is one chat message as normalized by a channel adapter.
// ChannelID carries the adapter prefix (e.g. "wa:", "tg:", "dc:") so
// outbound routing can find its way back without a lookup table.
type InboundMessage struct {
	ChannelID   string       `json:"channel_id"`
	ChatName    string       `json:"chat_name"`
	SenderName  string       `json:"sender_name"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	MessageID   string       `json:"message_id,omitempty"`
	Mentioned   bool         `json:"mentioned,omitempty"`    // platform-level @mention of the bot
	ReplyToBot  bool         `json:"reply_to_bot,omitempty"` // direct reply to one of the bot's messages
	FromSelf    bool         `json:"from_self,omitempty"`    // echo of the bot's own send
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a media file an adapter already saved under the group's
// attachments directory. RelPath is relative to the group folder root so
// the sandbox sees the same path under /workspace/group.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	RelPath  string `json:"rel_path"`
}
