package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"larkrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	b.Publish(domain.InboundMessage{MessageID: "m1", ChatID: "c1", Content: "hi"})

	select {
	case msg := <-b.Subscribe():
		if msg.MessageID != "m1" || msg.Content != "hi" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInMemoryBus_OutboundRouting(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	got := make(chan domain.OutboundMessage, 1)
	b.OnOutbound("lark", func(msg domain.OutboundMessage) {
		got <- msg
	})

	b.SendOutbound(domain.OutboundMessage{Channel: "lark", ChatID: "c1", Content: "hello"})

	select {
	case msg := <-got:
		if msg.ChatID != "c1" || msg.Content != "hello" {
			t.Errorf("unexpected outbound: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("outbound handler not called")
	}
}

func TestInMemoryBus_OutboundWithoutHandler(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()
	// Must not panic.
	b.SendOutbound(domain.OutboundMessage{Channel: "unknown", ChatID: "c1"})
}

func TestInMemoryBus_FullBufferDropsImmediately(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	b.Publish(domain.InboundMessage{MessageID: "m1"})

	start := time.Now()
	b.Publish(domain.InboundMessage{MessageID: "m2"})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("publish on a full bus must not block the caller, took %v", elapsed)
	}

	// The first message survives, the overflow one is gone.
	msg := <-b.Subscribe()
	if msg.MessageID != "m1" {
		t.Errorf("unexpected survivor: %+v", msg)
	}
	select {
	case msg := <-b.Subscribe():
		t.Errorf("overflow message should have been dropped: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryBus_PublishAfterClose(t *testing.T) {
	b := New(10, testLogger())
	b.Close()
	// Must not panic on a closed channel.
	b.Publish(domain.InboundMessage{MessageID: "m1"})
}

func TestInMemoryBus_CloseIdempotent(t *testing.T) {
	b := New(10, testLogger())
	b.Close()
	b.Close()
}
