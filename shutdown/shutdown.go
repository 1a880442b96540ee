// Package shutdown turns termination signals into a context cancellation.
package shutdown

import (
	"context"
	"os"
	"os/signal"
)

// Context returns a context cancelled on the first termination signal. The
// returned stop function releases the signal handler.
func Context(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	Notify(ch)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}
