// Package subscription provides the per-client event channel that sits
// between the broker and a streaming connection. A channel attaches to one
// topic, re-checks the chatroom scope of every event, and lives until the
// owning connection's context is cancelled.
package subscription

import (
	"context"

	"github.com/parley/chat-app/internal/broker"
	"github.com/parley/chat-app/internal/metrics"
)

// Channel is one client's attachment to a chatroom-scoped event stream.
type Channel struct {
	chatroomID int
	sub        *broker.Subscription
	out        chan broker.Event
}

// Open subscribes to the topic for kind and chatroomID and starts forwarding
// events. The channel detaches from the broker and closes its output when ctx
// is cancelled; it holds no other shared state and owns no timers.
func Open(ctx context.Context, b *broker.Broker, kind string, chatroomID int) *Channel {
	c := &Channel{
		chatroomID: chatroomID,
		sub:        b.Subscribe(broker.Topic(kind, chatroomID)),
		out:        make(chan broker.Event),
	}
	metrics.SubscriptionsActive.Inc()

	go c.pump(ctx)
	return c
}

// Events returns the stream of scope-checked events. The channel is closed
// when the subscription is torn down.
func (c *Channel) Events() <-chan broker.Event {
	return c.out
}

// pump forwards broker events to the output channel until ctx is cancelled.
// The topic string already encodes the chatroom, but the embedded scope is
// re-checked anyway: a single broker instance may later multiplex
// differently-scoped topics, so the filter is a contract, not dead code.
func (c *Channel) pump(ctx context.Context) {
	defer func() {
		c.sub.Close()
		close(c.out)
		metrics.SubscriptionsActive.Dec()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.sub.C():
			if !ok {
				return
			}
			if ev.Chatroom != c.chatroomID {
				continue
			}
			select {
			case c.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
