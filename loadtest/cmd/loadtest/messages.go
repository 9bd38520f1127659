package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/parley/chat-app/loadtest/client"
	"github.com/parley/chat-app/loadtest/stats"
)

// latencyPrefix marks load test messages carrying an embedded send timestamp.
// Content looks like "lt:<unixnano>:<filler>"; receivers parse the timestamp
// to compute end-to-end delivery latency.
const latencyPrefix = "lt:"

// runMessages implements the message throughput test. A subset of users post
// messages over HTTP while every user is subscribed to the chatroom's message
// stream, so each post fans out to all subscribers. Messages embed their send
// time, giving a true post-to-delivery latency measurement rather than an
// approximation.
func runMessages(args []string) {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "Server base URL")
	secret := fs.String("secret", "", "JWT secret shared with the server (required)")
	chatroom := fs.Int("chatroom", 1, "Chatroom ID to post into")
	users := fs.Int("users", 100, "Number of subscribed users")
	senders := fs.Int("senders", 10, "Number of users that post messages")
	duration := fs.Duration("duration", 30*time.Second, "Sending duration")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per sender")
	msgSize := fs.Int("msg-size", 128, "Approximate size of each message payload in bytes")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	if *secret == "" {
		fmt.Println("messages: -secret is required")
		return
	}
	if *senders > *users {
		*senders = *users
	}

	fmt.Printf("Messages test: %d users (%d senders) in chatroom %d on %s (duration=%s, interval=%s, size=%d)\n",
		*users, *senders, *chatroom, *url, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *users)

	var totalSent atomic.Int64
	var totalReceived atomic.Int64

	// Filler padding brings each message up to roughly msgSize bytes.
	filler := strings.Repeat("abcdefgh", (*msgSize/8)+1)

	// -----------------------------------------------------------------------
	// Connect and subscribe all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Connect phase ---")

	var connectWg sync.WaitGroup
	for i := 1; i <= *users; i++ {
		userID := i
		connectWg.Add(1)
		go func() {
			defer connectWg.Done()

			connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
			defer connCancel()

			token, err := client.MintToken(*secret, userID, time.Hour)
			if err != nil {
				collector.AddError()
				return
			}
			c, err := client.New(connCtx, *url, userID, token)
			if err != nil {
				collector.AddError()
				return
			}

			c.On(client.TypeMessage, func(raw json.RawMessage) {
				totalReceived.Add(1)
				var frame struct {
					Payload struct {
						Content string `json:"content"`
					} `json:"payload"`
				}
				if err := json.Unmarshal(raw, &frame); err != nil {
					return
				}
				if ts, ok := parseSendTime(frame.Payload.Content); ok {
					collector.AddEventLatency(time.Since(ts))
				}
			})

			if err := c.Subscribe(client.StreamMessages, *chatroom); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			if err := c.Enter(connCtx, *chatroom); err != nil {
				collector.AddError()
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	connectWg.Wait()

	mu.Lock()
	connected := len(clients)
	senderClients := make([]*client.Client, 0, *senders)
	for i := 0; i < len(clients) && i < *senders; i++ {
		senderClients = append(senderClients, clients[i])
	}
	mu.Unlock()

	fmt.Printf("Connect phase complete: %d/%d connected (%d errors)\n",
		connected, *users, collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Send phase
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Send phase: %d senders for %s ---\n", len(senderClients), *duration)

	sendCtx, sendCancel := context.WithTimeout(ctx, *duration)
	defer sendCancel()

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [send] sent: %d  received: %d  errors: %d\n",
					totalSent.Load(), totalReceived.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	var sendWg sync.WaitGroup
	for _, c := range senderClients {
		c := c
		sendWg.Add(1)
		go func() {
			defer sendWg.Done()
			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()

			for {
				select {
				case <-sendCtx.Done():
					return
				case <-ticker.C:
					content := latencyPrefix + strconv.FormatInt(time.Now().UnixNano(), 10) + ":" + filler
					if len(content) > *msgSize && *msgSize > 0 {
						content = content[:*msgSize]
					}
					if err := c.SendMessage(sendCtx, *chatroom, content); err != nil {
						collector.AddError()
						continue
					}
					totalSent.Add(1)
				}
			}
		}()
	}

	sendWg.Wait()
	close(progressStop)
	progressWg.Wait()

	// Allow in-flight deliveries to land before reporting.
	time.Sleep(time.Second)

	sent := totalSent.Load()
	received := totalReceived.Load()
	expected := sent * int64(connected)

	fmt.Printf("\n--- Message Results ---\n")
	fmt.Printf("Messages sent:      %d\n", sent)
	fmt.Printf("Deliveries:         %d / %d expected\n", received, expected)
	if expected > 0 {
		fmt.Printf("Delivery rate:      %.2f%%\n", float64(received)/float64(expected)*100)
	}
	if d := duration.Seconds(); d > 0 && sent > 0 {
		fmt.Printf("Post throughput:    %.1f msg/s\n", float64(sent)/d)
	}

	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// parseSendTime extracts the embedded send timestamp from a load test message
// body.
func parseSendTime(content string) (time.Time, bool) {
	if !strings.HasPrefix(content, latencyPrefix) {
		return time.Time{}, false
	}
	rest := content[len(latencyPrefix):]
	end := strings.IndexByte(rest, ':')
	if end == -1 {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}
