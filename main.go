package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/dejastream/core/app"
	"github.com/dejastream/core/config"
)

func main() {
	cfg := config.NewFromEnv()

	logger := app.NewLogger(cfg)

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Error().Log("Failed to assemble")
		os.Exit(1)
	}

	if err := a.Start(); err != nil {
		logger.WithError(err).Error().Log("Failed to start")
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	a.Stop()
}
