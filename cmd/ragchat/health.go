package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/edgeintel/ragchat/llm/openaicompat"
)

// runHealthCheck probes the completion endpoint from the current config.
func runHealthCheck(args []string) {
	cfg := loadConfig(args, "health")

	provider := openaicompat.New(cfg.LLM, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := provider.HealthCheck(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	if !status.Healthy {
		fmt.Fprintln(os.Stderr, "Health check failed: provider unhealthy")
		os.Exit(1)
	}
	fmt.Printf("OK (%s, %s)\n", cfg.LLM.BaseURL, status.Latency)
}
