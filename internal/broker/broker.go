// Package broker implements the in-process publish/subscribe fan-out that
// carries presence snapshots, typing indicators, and chat messages to every
// subscribed client. Topics are addressed as <kind>.<chatroomID>; exactly the
// subscribers registered for that literal topic receive a publish.
//
// Delivery is fire-and-forget: a publish never blocks and never fails the
// mutation that triggered it. A subscriber that cannot keep up has events
// dropped (logged, counted), and a subscriber that attaches after a publish
// does not receive it — there is no buffering or replay.
package broker

import (
	"log"
	"strconv"
	"sync"

	"github.com/parley/chat-app/internal/metrics"
)

// Event kinds routed through the broker.
const (
	KindPresence      = "presence"
	KindTypingStarted = "typing-started"
	KindTypingStopped = "typing-stopped"
	KindMessage       = "message"
)

// subscriberBuffer is the per-subscription channel capacity. It absorbs
// short bursts; a sustained slow consumer loses events rather than stalling
// publishers.
const subscriberBuffer = 16

// Event is a single payload routed through the broker. Chatroom is embedded
// in every event so downstream channels can re-check scope independently of
// the topic string.
type Event struct {
	Kind     string
	Chatroom int
	Payload  interface{}
}

// Topic returns the broker topic for an event kind scoped to a chatroom.
func Topic(kind string, chatroom int) string {
	return kind + "." + strconv.Itoa(chatroom)
}

// Topic returns the topic this event is published on.
func (e Event) Topic() string {
	return Topic(e.Kind, e.Chatroom)
}

// Subscription is one subscriber's attachment to a topic. Events arrive on C
// in publish order until Close is called.
type Subscription struct {
	topic  string
	ch     chan Event
	broker *Broker
	once   sync.Once
}

// C returns the receive channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the broker and closes the receive
// channel. It is safe to call more than once and safe against concurrent
// publishes.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.unsubscribe(s)
		close(s.ch)
	})
}

// Broker routes published events to topic subscribers.
type Broker struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription
}

// New creates an empty Broker.
func New() *Broker {
	return &Broker{topics: make(map[string][]*Subscription)}
}

// Subscribe attaches a new subscription to the given topic. The returned
// subscription receives only events published after this call.
func (b *Broker) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic:  topic,
		ch:     make(chan Event, subscriberBuffer),
		broker: b,
	}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	return sub
}

// Publish delivers the event to every subscription currently attached to the
// event's topic, in registration order. Failed deliveries (full subscriber
// buffer) are logged and dropped; they are never surfaced to the publisher.
func (b *Broker) Publish(ev Event) {
	b.PublishTopic(ev.Topic(), ev)
}

// PublishTopic delivers the event on an explicit topic, which may differ from
// the event's own scope. Downstream subscription channels re-check the
// embedded chatroom precisely because this routing freedom exists.
func (b *Broker) PublishTopic(topic string, ev Event) {
	// Holding the lock while sending keeps per-topic ordering stable for
	// every subscriber. Sends are non-blocking so a stalled consumer cannot
	// hold the lock hostage.
	b.mu.RLock()
	subs := b.topics[topic]
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			metrics.DeliveryFailures.Inc()
			log.Printf("broker: dropped %s event for slow subscriber", topic)
		}
	}
	b.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(ev.Kind).Inc()
}

// SubscriberCount returns the number of subscriptions attached to a topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	n := len(b.topics[topic])
	b.mu.RUnlock()
	return n
}

// unsubscribe removes the subscription from its topic list. Called only from
// Subscription.Close, before the channel is closed, so no publish can race a
// send against the close.
func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.topics[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
}
