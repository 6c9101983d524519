package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/corevox/voxcore/internal/config"
)

func main() {
	configPath := flag.String("config", "/etc/voxcore/voxcore.ini", "path to the core's INI configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] config: %v", err)
	}

	player := newStubPlayer()
	leds := newStubLEDDriver()
	mixer := newStubVolumeController()
	spotify := newStubSpotifyChildProcess()

	orch := NewOrchestrator(cfg, player, leds, mixer, spotify)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %s, shutting down", sig)
		cancel()
	}()

	if err := orch.Run(ctx); err != nil {
		log.Fatalf("[main] orchestrator: %v", err)
	}
}
