package bus

import (
	"context"
	"log/slog"
	"sync"
)

// MessageBus is the in-process transport between channel connectors and the
// room broker. Channels publish InboundMessage values without knowing which
// room or bot will consume them; whoever drains ConsumeInbound receives them
// in arrival order across all rooms. internal/broker (C8) does not read from
// the bus.
//
// MessageBus makes no ordering guarantee of its own — it is a funnel, not a
// queue per room. Durable per-room FIFO sequencing lives in internal/broker.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewMessageBus creates a MessageBus with the given channel buffer depth.
func NewMessageBus(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, buffer),
		outbound: make(chan OutboundMessage, buffer),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message received from a channel connector.
// Never blocks indefinitely: if the buffer is full the message is dropped
// and logged, since channel connectors must not stall on a slow consumer.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus: inbound buffer full, dropping message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a message destined for a channel connector.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("bus: outbound buffer full, dropping message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// SubscribeOutbound blocks until an outbound message is available or ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers an EventHandler under id, replacing any existing one.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers event to every subscribed handler synchronously.
// Handlers that panic are recovered and logged so one bad subscriber
// cannot take down the broadcast loop.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("bus: event handler panicked", "event", event.Name, "recover", r)
				}
			}()
			h(event)
		}()
	}
}

var (
	_ EventPublisher = (*MessageBus)(nil)
	_ MessageRouter  = (*MessageBus)(nil)
)
