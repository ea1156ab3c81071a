// Package channel implements the Lark/Feishu webhook channel: it receives
// message events over HTTP, hands them to the dispatcher, and delivers agent
// replies back through the Lark messaging API.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"larkrelay/internal/bus"
	"larkrelay/internal/domain"
	"larkrelay/internal/metrics"
)

const defaultChunkLimit = 4000

// LarkConfig configures the Lark channel.
type LarkConfig struct {
	AppID             string
	AppSecret         string
	EncryptKey        string
	VerificationToken string
	Domain            string // API base URL (default: https://open.larksuite.com)
	Port              int
	Path              string // webhook URL path (default: /webhook/event)
	ChunkLimit        int    // max characters per outbound message

	Dispatcher     domain.EventDispatcher
	Events         *bus.EventBus
	MetricsPath    string           // endpoint for the metrics handler (default: /metrics)
	MetricsHandler http.HandlerFunc // mounted at MetricsPath when set
	Logger         *slog.Logger
}

// Lark is the webhook-driven Lark channel.
type Lark struct {
	cfg        LarkConfig
	client     *LarkClient
	dispatcher domain.EventDispatcher
	events     *bus.EventBus
	logger     *slog.Logger
	server     *http.Server
}

// NewLark creates the channel. The API client is built from the configured
// app credentials.
func NewLark(cfg LarkConfig) *Lark {
	if cfg.Domain == "" {
		cfg.Domain = "https://open.larksuite.com"
	}
	if cfg.Path == "" {
		cfg.Path = "/webhook/event"
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
	if cfg.ChunkLimit <= 0 {
		cfg.ChunkLimit = defaultChunkLimit
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Lark{
		cfg:        cfg,
		client:     NewLarkClient(cfg.AppID, cfg.AppSecret, cfg.Domain),
		dispatcher: cfg.Dispatcher,
		events:     cfg.Events,
		logger:     cfg.Logger,
	}
}

func (l *Lark) Name() string { return "lark" }

// Start runs the webhook HTTP server until the context is cancelled.
func (l *Lark) Start(ctx context.Context, mb domain.MessageBus) error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.cfg.Path, l.handleEvent)
	mux.HandleFunc("/ping", l.handlePing)
	if l.cfg.MetricsHandler != nil {
		mux.HandleFunc(l.cfg.MetricsPath, l.cfg.MetricsHandler)
	}

	l.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", l.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	mb.OnOutbound("lark", func(msg domain.OutboundMessage) {
		sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := l.Send(sendCtx, msg.ChatID, msg.Content); err != nil {
			metrics.ReplyFailures.Inc()
			l.emit(bus.EventReplyFailed, map[string]any{"chat_id": msg.ChatID, "error": err.Error()})
			l.logger.Error("failed to deliver reply", "chat_id", msg.ChatID, "error", err)
			return
		}
		metrics.RepliesSent.Inc()
		l.emit(bus.EventReplySent, map[string]any{"chat_id": msg.ChatID, "is_error": msg.IsError})
	})

	l.logger.Info("lark webhook server starting", "port", l.cfg.Port, "path", l.cfg.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.logger.Info("lark webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return l.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("lark webhook server: %w", err)
	}
}

// Stop shuts the HTTP server down.
func (l *Lark) Stop() error {
	if l.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// Send delivers content to chatID as one or more text messages, splitting at
// the chunk limit.
func (l *Lark) Send(ctx context.Context, chatID, content string) error {
	idType := resolveReceiveIDType(chatID)
	for _, chunk := range splitChunks(content, l.cfg.ChunkLimit) {
		payload, err := json.Marshal(map[string]string{"text": chunk})
		if err != nil {
			return fmt.Errorf("marshal text content: %w", err)
		}
		if _, err := l.client.SendMessage(ctx, idType, chatID, "text", string(payload)); err != nil {
			return err
		}
	}
	return nil
}

// --- HTTP handlers ---

func (l *Lark) handlePing(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(rw, "pong")
}

func (l *Lark) handleEvent(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB max
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if l.cfg.EncryptKey != "" {
		sig := r.Header.Get("X-Lark-Signature")
		ts := r.Header.Get("X-Lark-Request-Timestamp")
		nonce := r.Header.Get("X-Lark-Request-Nonce")
		if sig != "" && !verifyEventSignature(ts, nonce, l.cfg.EncryptKey, body, sig) {
			l.logger.Warn("event signature mismatch")
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	env, err := decodeEventBody(body, l.cfg.EncryptKey)
	if err != nil {
		l.logger.Warn("undecodable event body", "error", err)
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}

	// url_verification handshake when the webhook URL is registered.
	if env.Type == "url_verification" {
		if l.cfg.VerificationToken != "" && env.Token != l.cfg.VerificationToken {
			http.Error(rw, "Invalid token", http.StatusForbidden)
			return
		}
		writeJSON(rw, map[string]string{"challenge": env.Challenge})
		return
	}

	if env.Header == nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	if l.cfg.VerificationToken != "" && env.Header.Token != l.cfg.VerificationToken {
		l.logger.Warn("event verification token mismatch", "event_id", env.Header.EventID)
		http.Error(rw, "Invalid token", http.StatusForbidden)
		return
	}

	// Acknowledge everything we understood; processing happens off the
	// request path so Lark never retries on slow agents.
	if env.Header.EventType == eventTypeMessageReceive && env.Event != nil {
		l.dispatcher.Dispatch(toInboundEvent(env))
	} else {
		l.logger.Debug("ignoring event", "event_type", env.Header.EventType)
	}

	writeJSON(rw, map[string]int{"code": 0})
}

func toInboundEvent(env *eventEnvelope) domain.InboundEvent {
	msg := env.Event.Message
	return domain.InboundEvent{
		MessageID:   msg.MessageID,
		ChatID:      msg.ChatID,
		ChatType:    msg.ChatType,
		SenderID:    env.Event.Sender.SenderID.OpenID,
		MessageType: msg.MessageType,
		Content:     msg.Content,
		Timestamp:   parseMillis(msg.CreateTime),
	}
}

func parseMillis(s string) time.Time {
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err != nil || ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(rw).Encode(v)
}

func (l *Lark) emit(eventType string, data map[string]any) {
	if l.events != nil {
		l.events.Emit(bus.Event{Type: eventType, Source: "lark", Payload: data})
	}
}

// resolveReceiveIDType maps a chat/user id prefix to the receive_id_type the
// messaging API expects.
func resolveReceiveIDType(id string) string {
	switch {
	case strings.HasPrefix(id, "oc_"):
		return "chat_id"
	case strings.HasPrefix(id, "ou_"):
		return "open_id"
	case strings.HasPrefix(id, "on_"):
		return "union_id"
	default:
		return "chat_id"
	}
}

// splitChunks breaks content into rune-safe pieces of at most limit runes.
func splitChunks(content string, limit int) []string {
	runes := []rune(content)
	if len(runes) <= limit {
		return []string{content}
	}
	var chunks []string
	for len(runes) > 0 {
		n := limit
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
