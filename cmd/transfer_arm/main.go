// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/transfer_arm/internal/app"
	"github.com/relabs-tech/transfer_arm/internal/config"
	"github.com/relabs-tech/transfer_arm/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "transfer_arm_config.txt", "path to the KEY=VALUE config file")
	flag.Parse()

	log.Println("starting transfer-arm controller")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

	level, err := telemetry.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	logger, router := telemetry.NewLogger(os.Stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Simulation {
		log.Println("Note: SIMULATION=true, no GPIO lines will be driven")
	}

	if err := app.RunTransferArm(ctx, cfg, logger, router); err != nil {
		log.Fatalf("fatal: %v", err)
	}
	log.Println("transfer-arm controller stopped")
}
