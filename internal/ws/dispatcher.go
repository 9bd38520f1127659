package ws

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/parley/chat-app/internal/broker"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/subscription"
)

// streamKinds maps a protocol stream name to the broker event kinds it
// carries. The typing stream multiplexes both transitions.
var streamKinds = map[string][]string{
	protocol.StreamLiveUsers: {broker.KindPresence},
	protocol.StreamTyping:    {broker.KindTypingStarted, broker.KindTypingStopped},
	protocol.StreamMessages:  {broker.KindMessage},
}

// kindFrameType maps a broker event kind to the server frame type it is
// delivered as.
var kindFrameType = map[string]string{
	broker.KindPresence:      protocol.TypeLiveUsers,
	broker.KindTypingStarted: protocol.TypeTypingStarted,
	broker.KindTypingStopped: protocol.TypeTypingStopped,
	broker.KindMessage:       protocol.TypeMessage,
}

// streamSub is one active (stream, chatroom) subscription on a connection.
// cancel releases every broker attachment the stream opened.
type streamSub struct {
	cancel context.CancelFunc
}

// streamKey identifies a subscription within a connection.
func streamKey(stream string, chatroomID int) string {
	return stream + ":" + strconv.Itoa(chatroomID)
}

// dispatcher routes incoming frames to subscription management. The built-in
// ping/pong keepalive is handled internally; malformed or unsupported frames
// get structured error responses.
type dispatcher struct {
	server *Server
}

func newDispatcher(server *Server) *dispatcher {
	return &dispatcher{server: server}
}

// Dispatch parses the raw frame into a typed client message and routes it.
func (d *dispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error id=%s: %v", conn.ID, err)
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	switch msgType {
	case protocol.TypePing:
		d.sendPong(conn)
	case protocol.TypeSubscribe:
		d.handleSubscribe(conn, msg.(protocol.SubscribeMsg))
	case protocol.TypeUnsubscribe:
		d.handleUnsubscribe(conn, msg.(protocol.UnsubscribeMsg))
	}
}

// handleSubscribe attaches the connection to a chatroom event stream. A
// duplicate subscribe is acknowledged without opening a second attachment,
// so a client that retries after a dropped response never double-subscribes.
func (d *dispatcher) handleSubscribe(conn *Connection, msg protocol.SubscribeMsg) {
	if !protocol.ValidStream(msg.Stream) {
		d.sendError(conn, "validation", "unknown stream")
		return
	}
	if msg.ChatroomID <= 0 {
		d.sendError(conn, "validation", "chatroom_id must be a positive integer")
		return
	}

	key := streamKey(msg.Stream, msg.ChatroomID)

	conn.subMu.Lock()
	if _, exists := conn.subs[key]; !exists {
		ctx, cancel := context.WithCancel(conn.ctx)
		for _, kind := range streamKinds[msg.Stream] {
			ch := subscription.Open(ctx, d.server.broker, kind, msg.ChatroomID)
			go d.pump(conn, kind, ch)
		}
		conn.subs[key] = &streamSub{cancel: cancel}
	}
	conn.subMu.Unlock()

	d.send(conn, protocol.TypeSubscribed, protocol.SubscribedMsg{
		Stream:     msg.Stream,
		ChatroomID: msg.ChatroomID,
	})
}

// handleUnsubscribe detaches the connection from a stream. Unsubscribing
// from a stream that is not attached is acknowledged as a no-op.
func (d *dispatcher) handleUnsubscribe(conn *Connection, msg protocol.UnsubscribeMsg) {
	key := streamKey(msg.Stream, msg.ChatroomID)

	conn.subMu.Lock()
	if sub, exists := conn.subs[key]; exists {
		sub.cancel()
		delete(conn.subs, key)
	}
	conn.subMu.Unlock()

	d.send(conn, protocol.TypeUnsubscribed, protocol.UnsubscribedMsg{
		Stream:     msg.Stream,
		ChatroomID: msg.ChatroomID,
	})
}

// pump forwards events from a subscription channel to the client until the
// channel closes. Write failures end the connection; the read loop notices
// the closed socket and finishes the teardown.
func (d *dispatcher) pump(conn *Connection, kind string, ch *subscription.Channel) {
	frameType := kindFrameType[kind]
	for ev := range ch.Events() {
		data, err := protocol.NewServerMessage(frameType, protocol.EventMsg{
			ChatroomID: ev.Chatroom,
			Payload:    ev.Payload,
		})
		if err != nil {
			log.Printf("ws: encode %s event id=%s: %v", kind, conn.ID, err)
			continue
		}
		if err := d.server.SendMessage(conn.ID, data); err != nil {
			return
		}
	}
}

// send writes a typed server message to the connection. Failures are logged
// only; the read loop owns connection teardown.
func (d *dispatcher) send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: build %s message id=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: send %s message id=%s: %v", msgType, conn.ID, err)
	}
}

// sendError sends a structured error message back to the client.
func (d *dispatcher) sendError(conn *Connection, code string, message string) {
	d.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// sendPong responds to a client ping and refreshes the keepalive timestamp.
func (d *dispatcher) sendPong(conn *Connection) {
	conn.LastPing = time.Now()
	d.send(conn, protocol.TypePong, protocol.PongMsg{})
}
