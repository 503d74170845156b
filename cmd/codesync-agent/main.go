package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/studioclass/codesync/pkg/agent"
	"github.com/studioclass/codesync/pkg/log"
)

// Version is set via ldflags during build.
var Version = "dev"

// The agent is configured entirely through the environment; it runs as the
// only long-lived supervisor-managed process inside an execution container.
// Exit code 0 means a graceful stop, 1 a fatal startup failure.
func main() {
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	cfg, err := agent.ConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	a := agent.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Logger.Info().Str("signal", sig.String()).Msg("Stopping agent")
		a.Stop()
		cancel()
	}()

	log.Logger.Info().Str("version", Version).Msg("Codesync agent starting")
	if err := a.Run(ctx); err != nil {
		log.Logger.Error().Err(err).Msg("Agent failed")
		os.Exit(1)
	}
}
