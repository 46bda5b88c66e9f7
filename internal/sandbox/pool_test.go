package sandbox_test

import (
	"context"
	"testing"
	"time"

	"sandbox-sessions/internal/sandbox"
	"sandbox-sessions/internal/sandbox/fake"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPool_HandsOutWarmSandbox(t *testing.T) {
	engine := fake.New()
	tmpl := sandbox.BootSpec{Image: "node:20-slim", Ports: []int{3000}, Network: true}
	pool := sandbox.NewPool(engine, []sandbox.BootSpec{tmpl}, sandbox.PoolConfig{MinIdle: 2, RefillDelay: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	waitFor(t, func() bool { return pool.Size(tmpl) == 2 })

	spec := tmpl
	spec.SessionID = "s1"
	h, err := pool.Boot(ctx, spec)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if !engine.IsLive(h) {
		t.Error("warm handle should be live")
	}
	if engine.Boots() != 2 {
		t.Errorf("engine boots = %d, want 2 (no cold boot)", engine.Boots())
	}

	// The pool tops itself back up.
	waitFor(t, func() bool { return pool.Size(tmpl) == 2 })
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if pool.Size(tmpl) != 0 {
		t.Error("Close should drain idle sandboxes")
	}
}

func TestPool_FallsThroughForOtherSpecs(t *testing.T) {
	engine := fake.New()
	tmpl := sandbox.BootSpec{Image: "python:3.12-slim", Ports: []int{8000}}
	pool := sandbox.NewPool(engine, []sandbox.BootSpec{tmpl}, sandbox.PoolConfig{MinIdle: 1})

	h, err := pool.Boot(context.Background(), sandbox.BootSpec{Image: "golang:1.24", Ports: []int{8080}})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if !engine.IsLive(h) || engine.Boots() != 1 {
		t.Errorf("expected one cold boot, got %d", engine.Boots())
	}
	_ = pool.Close()
}

func TestPool_RecyclesOldSandboxes(t *testing.T) {
	engine := fake.New()
	tmpl := sandbox.BootSpec{Image: "node:20-slim"}
	pool := sandbox.NewPool(engine, []sandbox.BootSpec{tmpl}, sandbox.PoolConfig{
		MinIdle:     1,
		RefillDelay: 10 * time.Millisecond,
		MaxAge:      20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	waitFor(t, func() bool { return engine.Destroys() >= 1 })
	_ = pool.Close()
	if engine.Live() != 0 {
		t.Errorf("live = %d after close, want 0", engine.Live())
	}
}
