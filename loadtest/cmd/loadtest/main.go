// Package main is the entry point for the Parley load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: Connection saturation test
//   - presence: Enter/leave churn against the presence fanout
//   - messages: Message throughput and delivery latency
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "presence":
		runPresence(os.Args[2:])
	case "messages":
		runMessages(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test — opens N subscribed connections")
	fmt.Println("  presence    Enter/leave churn — measures presence snapshot fanout latency")
	fmt.Println("  messages    Message throughput — senders post, subscribers measure delivery latency")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
