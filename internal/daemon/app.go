// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/talksim/orchestrator/internal/janitor"
	"github.com/talksim/orchestrator/internal/queue"
	"github.com/talksim/orchestrator/internal/spawn"
)

// App owns the long-lived background subsystems (task promoter, spawn
// workers, janitors) and delegates server management to Manager.
type App struct {
	logger  zerolog.Logger
	manager Manager

	queue  *queue.Queue
	pool   *spawn.Pool
	health *janitor.HealthCheck
	reaper *janitor.Reaper
}

// NewApp creates the daemon orchestration layer. Any nil subsystem is
// simply not started, which keeps partial wiring usable in tests.
func NewApp(logger zerolog.Logger, manager Manager, q *queue.Queue, pool *spawn.Pool, health *janitor.HealthCheck, reaper *janitor.Reaper) *App {
	return &App{
		logger:  logger,
		manager: manager,
		queue:   q,
		pool:    pool,
		health:  health,
		reaper:  reaper,
	}
}

// Run starts all owned subsystems and blocks until ctx is cancelled or
// a fatal error occurs. Background loops stop via context; a shutdown
// hook waits for them to drain before later hooks close the stores
// they write to.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	var loops sync.WaitGroup
	runLoop := func(name string, loop func(context.Context)) {
		loops.Add(1)
		g.Go(func() error {
			defer loops.Done()
			a.logger.Debug().Str("loop", name).Msg("background loop starting")
			loop(loopCtx)
			return nil
		})
	}

	if a.queue != nil {
		runLoop("promoter", a.queue.RunPromoter)
	}
	if a.pool != nil {
		runLoop("spawner", a.pool.Run)
	}
	if a.health != nil {
		runLoop("health check", a.health.Run)
	}
	if a.reaper != nil {
		runLoop("reaper", a.reaper.Run)
	}

	drained := make(chan struct{})
	go func() {
		loops.Wait()
		close(drained)
	}()

	// Registered last so LIFO ordering runs it before the store-closing
	// hooks registered at wiring time.
	a.manager.RegisterShutdownHook("worker drain", func(hookCtx context.Context) error {
		stopLoops()
		select {
		case <-drained:
			return nil
		case <-hookCtx.Done():
			return hookCtx.Err()
		}
	})

	// Main server lifecycle.
	g.Go(func() error {
		err := a.manager.Start(ctx)
		if err != nil {
			_ = a.manager.Shutdown(context.Background())
		}
		return err
	})

	return g.Wait()
}
