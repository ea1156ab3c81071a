package domain

import "time"

// InboundEvent is a decoded Lark message event as handed over by the webhook
// channel, before any relay-side filtering. Content is the raw JSON content
// envelope exactly as the platform delivered it.
type InboundEvent struct {
	MessageID   string
	ChatID      string
	ChatType    string // "p2p" or "group"
	SenderID    string
	MessageType string // "text", "post", "image", ...
	Content     string
	Timestamp   time.Time
}

// InboundMessage is an accepted event: deduplicated, type-filtered, with the
// user text extracted from the content envelope.
type InboundMessage struct {
	Channel   string
	MessageID string
	ChatID    string
	SenderID  string
	Content   string
	Timestamp time.Time
}

// OutboundMessage carries a reply back to the channel that owns ChatID.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	IsError bool
}

// AgentReply is the normalized outcome of one agent invocation. Failures are
// carried as text, not errors: the chat reply is the only path back to the
// user, so every failure mode must degrade into something sendable.
type AgentReply struct {
	Text    string
	IsError bool
}
