package cli

import (
	"context"
	"os/signal"
	"syscall"
)

// signalContext returns a context cancelled on SIGINT/SIGTERM, so
// mail:work can finish its in-flight job before Run returns.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
