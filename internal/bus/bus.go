// Package bus decouples channel adapters from the supervisor: adapters
// publish normalized inbound messages, the supervisor consumes them in a
// single loop. Outbound delivery is a direct call on the channel manager
// because senders need the error.
package bus

import (
	"context"
	"log/slog"
)

const defaultBuffer = 256

// MessageBus is a buffered inbound message queue. Publishing never blocks
// an adapter: when the buffer is full the message is dropped with a log
// line, since the durable copy is written by intake anyway on the next
// adapter retry or platform redelivery.
type MessageBus struct {
	inbound chan InboundMessage
}

func New() *MessageBus {
	return &MessageBus{inbound: make(chan InboundMessage, defaultBuffer)}
}

// PublishInbound hands one message to the supervisor loop.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus.inbound_full", "channel_id", msg.ChannelID, "sender", msg.SenderName)
	}
}

// ConsumeInbound blocks until a message arrives or ctx is done.
// The second return is false when ctx ended.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}
