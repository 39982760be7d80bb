package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/averonhq/agentupdate/signal"
)

// waitForSignal notifies shutdown on SIGTERM or SIGINT. It returns when either a signal
// arrives or ctx is done.
func waitForSignal(ctx context.Context, shutdown *signal.Signal, log *zerolog.Logger) error {
	signals := make(chan os.Signal, 10)
	ossignal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	defer ossignal.Stop(signals)

	select {
	case s := <-signals:
		log.Info().Msgf("Received %s, shutting down", s)
		shutdown.Notify()
	case <-shutdown.Wait():
	case <-ctx.Done():
	}
	return nil
}
