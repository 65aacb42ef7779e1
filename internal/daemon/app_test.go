// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"

	"github.com/talksim/orchestrator/internal/janitor"
	"github.com/talksim/orchestrator/internal/log"
	"github.com/talksim/orchestrator/internal/queue"
	"github.com/talksim/orchestrator/internal/store"
)

// fakeManager records hook registration and runs hooks LIFO on
// shutdown, like the real manager but without servers.
type fakeManager struct {
	startErr error

	mu    sync.Mutex
	hooks []namedHook
	order []string
	shut  bool
}

func (f *fakeManager) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	<-ctx.Done()
	return f.Shutdown(context.Background())
}

func (f *fakeManager) Shutdown(context.Context) error {
	f.mu.Lock()
	if f.shut {
		f.mu.Unlock()
		return nil
	}
	f.shut = true
	hooks := append([]namedHook(nil), f.hooks...)
	f.mu.Unlock()

	hookCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i].hook(hookCtx); err != nil {
			return err
		}
		f.mu.Lock()
		f.order = append(f.order, hooks[i].name)
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeManager) RegisterShutdownHook(name string, hook ShutdownHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, namedHook{name: name, hook: hook})
}

func (f *fakeManager) hookOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func appSubsystems(t *testing.T) (*miniredis.Miniredis, *queue.Queue, *janitor.HealthCheck, *janitor.Reaper) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(client, time.Hour)
	q := queue.New(client, "spawn")
	return mr, q, janitor.NewHealthCheck(st), janitor.NewReaper(st, time.Hour)
}

func TestApp_MissingManager(t *testing.T) {
	app := NewApp(log.WithComponent("test"), nil, nil, nil, nil, nil)
	if err := app.Run(context.Background()); !errors.Is(err, ErrMissingManager) {
		t.Fatalf("Run() error = %v, want %v", err, ErrMissingManager)
	}
}

func TestApp_RunStopsLoopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mr, q, hc, reaper := appSubsystems(t)
	defer mr.Close()

	mgr := &fakeManager{}
	app := NewApp(log.WithComponent("test"), mgr, q, nil, hc, reaper)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}

	order := mgr.hookOrder()
	if len(order) != 1 || order[0] != "worker drain" {
		t.Fatalf("hook order = %v, want [worker drain]", order)
	}
}

func TestApp_DrainHookRunsBeforeStoreCloseHooks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mr, q, hc, _ := appSubsystems(t)
	defer mr.Close()

	mgr := &fakeManager{}
	// Wiring registers the store-closing hooks before App.Run starts
	// the loops; LIFO ordering must drain the loops first.
	mgr.RegisterShutdownHook("redis close", func(context.Context) error { return nil })

	app := NewApp(log.WithComponent("test"), mgr, q, nil, hc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}

	order := mgr.hookOrder()
	if len(order) != 2 || order[0] != "worker drain" || order[1] != "redis close" {
		t.Fatalf("hook order = %v, want [worker drain, redis close]", order)
	}
}

func TestApp_PropagatesManagerError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mr, q, hc, reaper := appSubsystems(t)
	defer mr.Close()

	boom := errors.New("listen failed")
	mgr := &fakeManager{startErr: boom}
	app := NewApp(log.WithComponent("test"), mgr, q, nil, hc, reaper)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Run(ctx)
	}()

	select {
	case err := <-errChan:
		if !errors.Is(err, boom) {
			t.Fatalf("Run() error = %v, want %v", err, boom)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after manager error")
	}
}
