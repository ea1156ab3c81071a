// Package relay contains the event intake and dispatch pipeline: the
// dispatcher that filters inbound events and the loop that runs the agent
// and delivers replies.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"larkrelay/internal/bus"
	"larkrelay/internal/dedup"
	"larkrelay/internal/domain"
	"larkrelay/internal/metrics"
)

// Dispatcher receives decoded inbound events and decides whether they enter
// the pipeline. It returns before any agent work happens: accepted events
// are published to the message bus and picked up by the relay loop, so the
// webhook response never waits on the agent.
type Dispatcher struct {
	channel string
	window  *dedup.Window
	bus     domain.MessageBus
	events  *bus.EventBus
	logger  *slog.Logger
}

// DispatcherConfig wires the dispatcher's collaborators.
type DispatcherConfig struct {
	Channel string // channel name accepted events are attributed to
	Window  *dedup.Window
	Bus     domain.MessageBus
	Events  *bus.EventBus // optional
	Logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Channel == "" {
		cfg.Channel = "lark"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		channel: cfg.Channel,
		window:  cfg.Window,
		bus:     cfg.Bus,
		events:  cfg.Events,
		logger:  cfg.Logger,
	}
}

// Dispatch runs the per-event pipeline: dedup check, message-type filter,
// content parse, then hand-off to the bus. Filtered events terminate here
// with no reply; a duplicate is logged by id only.
func (d *Dispatcher) Dispatch(ev domain.InboundEvent) {
	metrics.EventsReceived.Inc()
	d.emit(bus.EventReceived, ev.MessageID, nil)

	if ev.MessageID == "" {
		d.logger.Warn("event without message id dropped")
		return
	}

	if d.window.Seen(ev.MessageID) {
		d.logger.Debug("duplicate message ignored", "message_id", ev.MessageID)
		metrics.DuplicateEvents.Inc()
		d.emit(bus.EventDuplicate, ev.MessageID, nil)
		return
	}

	if ev.MessageType != "text" {
		d.logger.Info("non-text message skipped",
			"message_id", ev.MessageID,
			"message_type", ev.MessageType,
		)
		metrics.FilteredWrongType.Inc()
		d.emit(bus.EventFiltered, ev.MessageID, map[string]any{"message_type": ev.MessageType})
		return
	}

	text, err := parseTextContent(ev.Content)
	if err != nil {
		// Deliberate silent drop: a malformed envelope gives no trustworthy
		// chat id to send a notice to.
		d.logger.Error("message content unparseable, dropping",
			"message_id", ev.MessageID,
			"err", err,
		)
		metrics.FilteredMalformed.Inc()
		d.emit(bus.EventMalformed, ev.MessageID, nil)
		return
	}

	d.logger.Info("message accepted",
		"message_id", ev.MessageID,
		"chat_id", ev.ChatID,
		"text_len", len(text),
	)

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	d.bus.Publish(domain.InboundMessage{
		Channel:   d.channel,
		MessageID: ev.MessageID,
		ChatID:    ev.ChatID,
		SenderID:  ev.SenderID,
		Content:   text,
		Timestamp: ts,
	})
	metrics.EventsDispatched.Inc()
	d.emit(bus.EventDispatched, ev.MessageID, map[string]any{"chat_id": ev.ChatID})
}

func (d *Dispatcher) emit(eventType, messageID string, extra map[string]any) {
	if d.events == nil {
		return
	}
	payload := map[string]any{"message_id": messageID}
	for k, v := range extra {
		payload[k] = v
	}
	d.events.Emit(bus.Event{Type: eventType, Source: "dispatcher", Payload: payload})
}

// parseTextContent extracts the user text from a Lark text content envelope
// (`{"text": "..."}`). Non-JSON content or a missing text field is a parse
// failure.
func parseTextContent(raw string) (string, error) {
	var envelope struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return "", fmt.Errorf("content is not valid JSON: %w", err)
	}
	if envelope.Text == nil {
		return "", fmt.Errorf("content has no text field")
	}
	return *envelope.Text, nil
}
