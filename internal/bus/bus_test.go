package bus

import (
	"context"
	"errors"
	"testing"

	"relaybot/internal/domain"
)

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(4, testEBLogger())
	defer b.Close()

	b.Publish(domain.InboundMessage{Channel: "slack", ChatID: "C1", Content: "hello"})

	msg := <-b.Subscribe()
	if msg.ChatID != "C1" || msg.Content != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestInMemoryBus_PublishAfterClose(t *testing.T) {
	b := New(1, testEBLogger())
	b.Close()
	b.Close()

	// Must not panic on a closed channel.
	b.Publish(domain.InboundMessage{ChatID: "C1"})
}

func TestInMemoryBus_SendOutbound(t *testing.T) {
	b := New(1, testEBLogger())
	defer b.Close()

	var got domain.OutboundMessage
	b.OnOutbound("slack", func(_ context.Context, msg domain.OutboundMessage) error {
		got = msg
		return nil
	})

	err := b.SendOutbound(context.Background(), domain.OutboundMessage{Channel: "slack", ChatID: "C1", Content: "hi!"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Content != "hi!" {
		t.Fatalf("expected content hi!, got %q", got.Content)
	}
}

func TestInMemoryBus_SendOutboundPropagatesError(t *testing.T) {
	b := New(1, testEBLogger())
	defer b.Close()

	sendErr := errors.New("channel_not_found")
	b.OnOutbound("slack", func(context.Context, domain.OutboundMessage) error { return sendErr })

	err := b.SendOutbound(context.Background(), domain.OutboundMessage{Channel: "slack"})
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestInMemoryBus_SendOutboundUnknownChannel(t *testing.T) {
	b := New(1, testEBLogger())
	defer b.Close()

	if err := b.SendOutbound(context.Background(), domain.OutboundMessage{Channel: "irc"}); err == nil {
		t.Fatal("expected error for unregistered channel")
	}
}
