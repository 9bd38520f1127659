package broker

import (
	"testing"
	"time"
)

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(Topic(KindMessage, 7))
	defer sub.Close()

	b.Publish(Event{Kind: KindMessage, Chatroom: 7, Payload: "hello"})

	ev := recvEvent(t, sub)
	if ev.Payload != "hello" {
		t.Errorf("expected payload %q, got %v", "hello", ev.Payload)
	}
	if ev.Chatroom != 7 {
		t.Errorf("expected chatroom 7, got %d", ev.Chatroom)
	}
}

func TestPerTopicOrdering(t *testing.T) {
	b := New()
	sub := b.Subscribe(Topic(KindPresence, 1))
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.Publish(Event{Kind: KindPresence, Chatroom: 1, Payload: i})
	}

	for i := 0; i < 10; i++ {
		ev := recvEvent(t, sub)
		if ev.Payload != i {
			t.Fatalf("expected event %d in order, got %v", i, ev.Payload)
		}
	}
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	b := New()

	b.Publish(Event{Kind: KindMessage, Chatroom: 3, Payload: "early"})

	sub := b.Subscribe(Topic(KindMessage, 3))
	defer sub.Close()

	select {
	case ev := <-sub.C():
		t.Fatalf("late subscriber received pre-subscribe event: %v", ev.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTopicIsolation(t *testing.T) {
	b := New()
	room1 := b.Subscribe(Topic(KindMessage, 1))
	room2 := b.Subscribe(Topic(KindMessage, 2))
	defer room1.Close()
	defer room2.Close()

	b.Publish(Event{Kind: KindMessage, Chatroom: 1, Payload: "for room 1"})

	if ev := recvEvent(t, room1); ev.Payload != "for room 1" {
		t.Errorf("room 1 got wrong payload: %v", ev.Payload)
	}
	select {
	case ev := <-room2.C():
		t.Fatalf("room 2 received room 1's event: %v", ev.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe(Topic(KindMessage, 5))
	defer sub.Close()

	// Never drain the subscription; publish well past the buffer size.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			b.Publish(Event{Kind: KindMessage, Chatroom: 5, Payload: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCloseDetachesSubscription(t *testing.T) {
	b := New()
	topic := Topic(KindPresence, 9)
	sub := b.Subscribe(topic)

	if n := b.SubscriberCount(topic); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}

	sub.Close()
	sub.Close() // idempotent

	if n := b.SubscriberCount(topic); n != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", n)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("expected receive channel to be closed")
	}
}

func TestConcurrentPublishAndClose(t *testing.T) {
	b := New()
	topic := Topic(KindMessage, 4)

	// Races Subscribe/Close against Publish; run with -race to verify there
	// is no send on a closed channel.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(Event{Kind: KindMessage, Chatroom: 4, Payload: "x"})
			}
		}
	}()

	for i := 0; i < 100; i++ {
		sub := b.Subscribe(topic)
		go func() {
			for range sub.C() {
			}
		}()
		sub.Close()
	}
	close(stop)
}

func TestTopicString(t *testing.T) {
	tests := []struct {
		kind     string
		chatroom int
		want     string
	}{
		{KindPresence, 7, "presence.7"},
		{KindTypingStarted, 12, "typing-started.12"},
		{KindTypingStopped, 12, "typing-stopped.12"},
		{KindMessage, 0, "message.0"},
	}
	for _, tt := range tests {
		if got := Topic(tt.kind, tt.chatroom); got != tt.want {
			t.Errorf("Topic(%q, %d) = %q, want %q", tt.kind, tt.chatroom, got, tt.want)
		}
	}
	ev := Event{Kind: KindMessage, Chatroom: 42}
	if got := ev.Topic(); got != "message.42" {
		t.Errorf("Event.Topic() = %q, want %q", got, "message.42")
	}
}
