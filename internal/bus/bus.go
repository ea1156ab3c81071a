package bus

import (
	"log/slog"
	"sync"

	"larkrelay/internal/domain"
)

// InMemoryBus is a Go-channel based message bus connecting the webhook
// channel to the relay loop. Publish is effectively non-blocking so the
// webhook handler can return before any processing happens.
type InMemoryBus struct {
	inbound  chan domain.InboundMessage
	handlers map[string]func(domain.OutboundMessage)
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

// New creates an InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		inbound:  make(chan domain.InboundMessage, bufferSize),
		handlers: make(map[string]func(domain.OutboundMessage)),
		logger:   logger,
	}
}

// Publish enqueues an inbound message and returns immediately. When the
// buffer is full the message is dropped with a log line: the webhook request
// path must never wait on downstream consumers.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("publish to closed bus dropped", "message_id", msg.MessageID)
		return
	}

	select {
	case b.inbound <- msg:
	default:
		b.logger.Error("message dropped: bus full",
			"message_id", msg.MessageID,
			"chat_id", msg.ChatID,
		)
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// SendOutbound routes a reply to the handler registered for its channel.
func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no outbound handler for channel", "channel", msg.Channel)
		return
	}
	handler(msg)
}

func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
