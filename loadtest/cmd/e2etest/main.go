// Package main is a quick end-to-end smoke test against a running server. Two
// users connect, subscribe to a chatroom's streams, enter it, exchange a
// message and a typing signal, and verify that every event arrives. It exits
// non-zero on the first failed expectation, so it can gate deploys.
//
// Usage:
//
//	e2etest -url http://localhost:8080 -secret <jwt-secret> [-chatroom 1]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/parley/chat-app/loadtest/client"
)

func main() {
	url := flag.String("url", "http://localhost:8080", "Server base URL")
	secret := flag.String("secret", "", "JWT secret shared with the server (required)")
	chatroom := flag.Int("chatroom", 1, "Chatroom ID to test in")
	timeout := flag.Duration("timeout", 10*time.Second, "Overall test timeout")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "e2etest: -secret is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *url, *secret, *chatroom); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("PASS")
}

func run(ctx context.Context, url, secret string, chatroom int) error {
	alice, err := connect(ctx, url, secret, 1)
	if err != nil {
		return fmt.Errorf("connect alice: %w", err)
	}
	defer alice.Close()

	bob, err := connect(ctx, url, secret, 2)
	if err != nil {
		return fmt.Errorf("connect bob: %w", err)
	}
	defer bob.Close()

	presence := make(chan json.RawMessage, 8)
	typingStarted := make(chan json.RawMessage, 8)
	messages := make(chan json.RawMessage, 8)

	forward := func(ch chan json.RawMessage) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			select {
			case ch <- raw:
			default:
			}
		}
	}
	bob.On(client.TypeLiveUsers, forward(presence))
	bob.On(client.TypeTypingStarted, forward(typingStarted))
	bob.On(client.TypeMessage, forward(messages))

	for _, stream := range []string{client.StreamLiveUsers, client.StreamTyping, client.StreamMessages} {
		if err := bob.Subscribe(stream, chatroom); err != nil {
			return fmt.Errorf("subscribe %s: %w", stream, err)
		}
	}
	// Let the subscriptions settle before generating events.
	time.Sleep(200 * time.Millisecond)

	// Alice enters: Bob must see a presence snapshot containing her.
	if err := alice.Enter(ctx, chatroom); err != nil {
		return fmt.Errorf("enter: %w", err)
	}
	raw, err := waitFor(ctx, presence, "live_users snapshot")
	if err != nil {
		return err
	}
	var snap struct {
		Payload struct {
			LiveUsers []struct {
				ID int `json:"id"`
			} `json:"liveUsers"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	found := false
	for _, u := range snap.Payload.LiveUsers {
		if u.ID == alice.UserID {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("snapshot does not contain user %d: %s", alice.UserID, raw)
	}

	// Alice starts typing: Bob must see typing_started.
	if err := alice.StartTyping(ctx, chatroom); err != nil {
		return fmt.Errorf("start typing: %w", err)
	}
	if _, err := waitFor(ctx, typingStarted, "typing_started event"); err != nil {
		return err
	}

	// Alice posts: Bob must receive the message with its content intact.
	const content = "e2e smoke test message"
	if err := alice.SendMessage(ctx, chatroom, content); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	raw, err = waitFor(ctx, messages, "message event")
	if err != nil {
		return err
	}
	var msg struct {
		Payload struct {
			Content string `json:"content"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if msg.Payload.Content != content {
		return fmt.Errorf("message content mismatch: got %q", msg.Payload.Content)
	}

	// Clean exit: Alice leaves the room.
	if err := alice.Leave(ctx, chatroom); err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	return nil
}

func connect(ctx context.Context, url, secret string, userID int) (*client.Client, error) {
	token, err := client.MintToken(secret, userID, time.Hour)
	if err != nil {
		return nil, err
	}
	return client.New(ctx, url, userID, token)
}

func waitFor(ctx context.Context, ch chan json.RawMessage, what string) (json.RawMessage, error) {
	select {
	case raw := <-ch:
		return raw, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("timed out waiting for %s", what)
	}
}
