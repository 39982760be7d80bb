//go:build !windows

package main

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/averonhq/agentupdate/signal"
)

const tick = 100 * time.Millisecond

func TestWaitForSignal(t *testing.T) {
	log := zerolog.Nop()

	for _, sig := range []syscall.Signal{syscall.SIGTERM, syscall.SIGINT} {
		shutdown := signal.New(make(chan struct{}))

		go func(sig syscall.Signal) {
			// sleep for a tick to prevent sending signal before calling waitForSignal
			time.Sleep(tick)
			syscall.Kill(syscall.Getpid(), sig)
		}(sig)

		err := waitForSignal(context.Background(), shutdown, &log)
		assert.NoError(t, err)
		assert.True(t, shutdown.Notified())
	}
}

func TestWaitForSignalReturnsOnShutdown(t *testing.T) {
	log := zerolog.Nop()
	shutdown := signal.New(make(chan struct{}))
	shutdown.Notify()

	assert.NoError(t, waitForSignal(context.Background(), shutdown, &log))
}

func TestWaitForSignalReturnsOnCancel(t *testing.T) {
	log := zerolog.Nop()
	shutdown := signal.New(make(chan struct{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, waitForSignal(ctx, shutdown, &log))
	assert.False(t, shutdown.Notified())
}
