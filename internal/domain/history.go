package domain

import (
	"context"
	"time"
)

// Exchange is one processed message: the prompt that went to the agent and
// the reply that came back.
type Exchange struct {
	ID        string
	MessageID string
	ChatID    string
	Prompt    string
	Reply     string
	IsError   bool
	CreatedAt time.Time
}

// HistoryStore persists processed exchanges for inspection and retention.
type HistoryStore interface {
	RecordExchange(ctx context.Context, ex Exchange) error
	ListRecent(ctx context.Context, limit int) ([]Exchange, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}
