package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"larkrelay/internal/bus"
	"larkrelay/internal/domain"
	"larkrelay/internal/metrics"
)

const defaultConcurrency = 4

// Loop consumes accepted messages from the bus and, with bounded
// concurrency, runs the agent and sends the reply. Each message gets one
// detached unit of execution: the invoker completes (or times out) strictly
// before the reply send, and units for different messages are independent.
type Loop struct {
	invoker     domain.Invoker
	bus         domain.MessageBus
	history     domain.HistoryStore // optional
	events      *bus.EventBus       // optional
	logger      *slog.Logger
	concurrency int
}

// LoopConfig holds the loop's dependencies and tuning.
type LoopConfig struct {
	Invoker     domain.Invoker
	Bus         domain.MessageBus
	History     domain.HistoryStore
	Events      *bus.EventBus
	Logger      *slog.Logger
	Concurrency int // max parallel agent invocations (default 4)
}

// NewLoop creates a relay loop.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		invoker:     cfg.Invoker,
		bus:         cfg.Bus,
		history:     cfg.History,
		events:      cfg.Events,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
	}
}

// Run consumes inbound messages until the context is cancelled or the bus
// closes. A semaphore bounds the number of in-flight agent invocations so a
// traffic spike cannot grow goroutines without limit.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("relay loop started", "concurrency", l.concurrency)

	sem := make(chan struct{}, l.concurrency)
	inbound := l.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("relay loop stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, relay loop stopping")
				return
			}
			// Acquire must stay cancellable: with all slots busy a bare
			// send would hold Run here for up to a full invoker timeout.
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				l.logger.Info("relay loop stopping")
				return
			}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				l.process(ctx, m)
			}(msg)
		}
	}
}

// process runs one background unit: agent invocation, reply hand-off, and
// the optional history record. Failures never propagate back to the webhook
// path; they are visible only through logs, events, and metrics.
func (l *Loop) process(ctx context.Context, m domain.InboundMessage) {
	taskID := uuid.NewString()
	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()

	start := time.Now()
	reply := l.invoker.Invoke(ctx, m.Content)
	elapsed := time.Since(start)
	metrics.AgentLatency.Observe(elapsed.Seconds())

	if reply.IsError {
		metrics.AgentFailures.Inc()
		if l.events != nil {
			l.events.Emit(bus.Event{
				Type:    bus.EventAgentFailed,
				Source:  "loop",
				Payload: map[string]any{"task_id": taskID, "message_id": m.MessageID},
			})
		}
	}

	l.logger.Info("agent reply ready",
		"task_id", taskID,
		"message_id", m.MessageID,
		"chat_id", m.ChatID,
		"is_error", reply.IsError,
		"duration_ms", elapsed.Milliseconds(),
		"reply_len", len(reply.Text),
	)

	l.bus.SendOutbound(domain.OutboundMessage{
		Channel: m.Channel,
		ChatID:  m.ChatID,
		Content: reply.Text,
		IsError: reply.IsError,
	})

	if l.history != nil {
		err := l.history.RecordExchange(ctx, domain.Exchange{
			ID:        taskID,
			MessageID: m.MessageID,
			ChatID:    m.ChatID,
			Prompt:    m.Content,
			Reply:     reply.Text,
			IsError:   reply.IsError,
			CreatedAt: time.Now(),
		})
		if err != nil {
			l.logger.Warn("failed to record exchange", "task_id", taskID, "err", err)
		}
	}
}
