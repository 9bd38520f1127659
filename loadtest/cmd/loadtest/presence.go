package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/parley/chat-app/loadtest/client"
	"github.com/parley/chat-app/loadtest/stats"
)

// runPresence implements the enter/leave churn test. Every simulated user
// subscribes to the live_users stream of a shared chatroom, then repeatedly
// enters and leaves it. Each enter or leave makes the server fan the full
// presence snapshot out to every subscriber, so this scenario stresses the
// O(subscribers) amplification of presence updates and measures how long a
// snapshot takes to come back to the user who caused it.
func runPresence(args []string) {
	fs := flag.NewFlagSet("presence", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "Server base URL")
	secret := fs.String("secret", "", "JWT secret shared with the server (required)")
	chatroom := fs.Int("chatroom", 1, "Chatroom ID to churn in")
	users := fs.Int("users", 100, "Number of simulated users")
	duration := fs.Duration("duration", 30*time.Second, "Churn duration")
	churnInterval := fs.Duration("churn-interval", 2*time.Second, "Interval between enter/leave flips per user")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	if *secret == "" {
		fmt.Println("presence: -secret is required")
		return
	}

	fmt.Printf("Presence test: %d users churning chatroom %d on %s (duration=%s, interval=%s)\n",
		*users, *chatroom, *url, *duration, *churnInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *users)

	var snapshotsReceived atomic.Int64

	// -----------------------------------------------------------------------
	// Connect and subscribe all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Connect phase ---")

	var wg sync.WaitGroup
	for i := 1; i <= *users; i++ {
		userID := i
		wg.Add(1)
		go func() {
			defer wg.Done()

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

			// lastAction tracks this user's most recent enter/leave so the
			// next snapshot delivery can be timed against it.
			var lastAction atomic.Int64

			c.On(client.TypeLiveUsers, func(json.RawMessage) {
				snapshotsReceived.Add(1)
				if ts := lastAction.Swap(0); ts > 0 {
					collector.AddEventLatency(time.Since(time.Unix(0, ts)))
				}
			})

			if err := c.Subscribe(client.StreamLiveUsers, *chatroom); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()

			// Churn loop: alternate enter and leave until the test ends.
			churnCtx, churnCancel := context.WithTimeout(ctx, *duration)
			defer churnCancel()

			ticker := time.NewTicker(*churnInterval)
			defer ticker.Stop()
			present := false

			for {
				select {
				case <-churnCtx.Done():
					if present {
						leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
						_ = c.Leave(leaveCtx, *chatroom)
						leaveCancel()
					}
					return
				case <-ticker.C:
					lastAction.Store(time.Now().UnixNano())
					if present {
						if err := c.Leave(churnCtx, *chatroom); err != nil {
							collector.AddError()
						}
					} else {
						if err := c.Enter(churnCtx, *chatroom); err != nil {
							collector.AddError()
						}
					}
					present = !present
				}
			}
		}()
	}

	// Progress reporting while the churn runs.
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
				fmt.Printf("  [churn] connected: %d/%d  snapshots: %d  errors: %d\n",
					collector.ConnectionCount(), *users,
					snapshotsReceived.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nChurn complete: %d snapshot deliveries observed\n", snapshotsReceived.Load())

	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}
