package broker

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the NATS subject namespace for relayed live events.
// Events are mirrored to live.<kind>.<chatroomID>.
const SubjectPrefix = "live"

// RelayConfig holds NATS connection settings for the cross-instance relay.
type RelayConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name, also used as the origin tag
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultRelayConfig returns sensible defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		URL:           "nats://localhost:4222",
		Name:          "parley",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// wireEvent is the JSON envelope for events crossing NATS. Origin carries the
// publishing server's name so instances can drop their own echoes.
type wireEvent struct {
	Kind     string          `json:"kind"`
	Chatroom int             `json:"chatroom_id"`
	Origin   string          `json:"origin"`
	Payload  json.RawMessage `json:"payload"`
}

// Relay bridges the in-process broker to NATS so multiple server instances
// see a consistent event stream. Without a relay the broker is strictly
// single-process: presence views diverge across instances. Publishes made
// through the relay land on the local broker first and are then mirrored to
// live.<kind>.<chatroomID>; inbound remote events are injected into the local
// broker with a json.RawMessage payload.
type Relay struct {
	conn   *nats.Conn
	local  *Broker
	origin string
	sub    *nats.Subscription
}

// NewRelay connects to NATS and starts mirroring remote events into the local
// broker. It returns an error if the initial connection or the wildcard
// subscription fails.
func NewRelay(config RelayConfig, local *Broker) (*Relay, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("relay: nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("relay: nats reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("relay: nats connect: %w", err)
	}

	r := &Relay{conn: nc, local: local, origin: config.Name}

	r.sub, err = nc.Subscribe(SubjectPrefix+".>", r.handleRemote)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("relay: nats subscribe: %w", err)
	}

	log.Printf("relay: connected to %s as %s", nc.ConnectedUrl(), config.Name)
	return r, nil
}

// Publish delivers the event to the local broker and mirrors it to NATS.
// Mirror failures are logged and discarded, matching the broker's
// fire-and-forget delivery contract.
func (r *Relay) Publish(ev Event) {
	r.local.Publish(ev)

	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		log.Printf("relay: marshal %s payload: %v", ev.Topic(), err)
		return
	}
	data, err := json.Marshal(wireEvent{
		Kind:     ev.Kind,
		Chatroom: ev.Chatroom,
		Origin:   r.origin,
		Payload:  raw,
	})
	if err != nil {
		log.Printf("relay: marshal %s envelope: %v", ev.Topic(), err)
		return
	}

	subject := SubjectPrefix + "." + ev.Topic()
	if err := r.conn.Publish(subject, data); err != nil {
		log.Printf("relay: publish %s: %v", subject, err)
	}
}

// handleRemote injects an event published by another instance into the local
// broker. Events originating from this instance are dropped.
func (r *Relay) handleRemote(msg *nats.Msg) {
	var wire wireEvent
	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		log.Printf("relay: unmarshal %s: %v", msg.Subject, err)
		return
	}
	if wire.Origin == r.origin {
		return
	}

	// Trust the subject over the body for routing, like any other broker
	// publish: the chatroom segment is the last token of the subject.
	if i := strings.LastIndex(msg.Subject, "."); i >= 0 {
		if room, err := strconv.Atoi(msg.Subject[i+1:]); err == nil {
			wire.Chatroom = room
		}
	}

	r.local.Publish(Event{
		Kind:     wire.Kind,
		Chatroom: wire.Chatroom,
		Payload:  wire.Payload,
	})
}

// Close drains the wildcard subscription and the NATS connection.
func (r *Relay) Close() {
	if r.sub != nil {
		if err := r.sub.Drain(); err != nil {
			log.Printf("relay: drain subscription: %v", err)
		}
	}
	if err := r.conn.Drain(); err != nil {
		log.Printf("relay: drain connection: %v", err)
	}
}
