package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/parley/chat-app/internal/broker"
)

func TestForwardsMatchingEvents(t *testing.T) {
	b := broker.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := Open(ctx, b, broker.KindMessage, 7)

	b.Publish(broker.Event{Kind: broker.KindMessage, Chatroom: 7, Payload: "hi"})

	select {
	case ev := <-ch.Events():
		if ev.Payload != "hi" {
			t.Errorf("expected payload %q, got %v", "hi", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestDiscardsMismatchedChatroom(t *testing.T) {
	b := broker.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := Open(ctx, b, broker.KindMessage, 7)

	// An event arriving on chatroom 7's topic with a foreign embedded scope
	// must be dropped by the channel's own check, not reach the client.
	topic := broker.Topic(broker.KindMessage, 7)
	b.PublishTopic(topic, broker.Event{Kind: broker.KindMessage, Chatroom: 8, Payload: "drop"})
	b.PublishTopic(topic, broker.Event{Kind: broker.KindMessage, Chatroom: 7, Payload: "keep"})

	select {
	case ev := <-ch.Events():
		if ev.Payload != "keep" {
			t.Errorf("expected mismatched event to be filtered, got %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := broker.New()
	ctx, cancel := context.WithCancel(context.Background())

	ch := Open(ctx, b, broker.KindPresence, 3)
	cancel()

	select {
	case _, ok := <-ch.Events():
		if ok {
			t.Error("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	// Broker subscription must be released.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount(broker.Topic(broker.KindPresence, 3)) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("broker subscription not released after cancel")
}
