package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/transfer_arm/internal/app"
	"github.com/relabs-tech/transfer_arm/internal/config"
)

func main() {
	log.Println("starting transfer-arm console (MQTT subscriber)")

	// Load configuration
	if err := config.InitGlobal("transfer_arm_config.txt"); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Wait for Ctrl+C
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunConsoleMQTT(ctx, config.Get()); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
