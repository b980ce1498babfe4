package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/example/agent-market/agentbuild/internal/logging"
)

func main() {
	// replaced by setup once config is loaded
	logging.Setup("info", "console", os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().Run(ctx, os.Args)
	stop()
	if err != nil {
		log.Fatal().Err(err).Msg("agentbuild failed")
	}
}
