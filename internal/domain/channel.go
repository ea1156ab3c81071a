package domain

import "context"

// Channel is the interface for platform-facing I/O. Start blocks until the
// context is cancelled or the channel fails.
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, chatID string, content string) error
}

// EventDispatcher decides whether and how an inbound event is processed.
// Dispatch never blocks on the agent call: it either drops the event or
// schedules it and returns.
type EventDispatcher interface {
	Dispatch(ev InboundEvent)
}
