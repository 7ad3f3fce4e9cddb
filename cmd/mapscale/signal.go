package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// withSignal returns a child context cancelled on SIGINT and SIGTERM.
func withSignal(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(c)
		select {
		case <-ctx.Done():
		case <-c:
			cancel()
		}
	}()

	return ctx, cancel
}
