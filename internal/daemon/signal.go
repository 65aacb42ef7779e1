// SPDX-License-Identifier: MIT

// Package daemon provides the orchestrator's process lifecycle: server
// management, background loop ownership, and ordered shutdown.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WaitForShutdown returns a context cancelled on SIGINT or SIGTERM.
func WaitForShutdown() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}
