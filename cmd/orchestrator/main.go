// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

// Command orchestrator runs the Synapse multi-agent orchestration server.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"synapse/platform/orchestrator"
)

func main() {
	// .env is optional; real deployments inject environment directly.
	if err := godotenv.Load(); err == nil {
		log.Printf("[Main] Loaded configuration from .env")
	}

	config := orchestrator.LoadConfig()
	server, err := orchestrator.NewServer(config)
	if err != nil {
		log.Printf("[Main] Failed to start: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		log.Printf("[Main] Server error: %v", err)
		os.Exit(1)
	}
}
