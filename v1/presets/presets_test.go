package presets

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-sortlock/v1/config"
	"github.com/mirkobrombin/go-sortlock/v1/scheduler"
)

func TestNewInMemoryStandalone(t *testing.T) {
	m := NewInMemoryStandalone()
	ctx := context.Background()

	if _, err := m.Schedule(ctx, "foo"); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	h, ok, err := m.TryLock(ctx, "foo")
	if err != nil || !ok {
		t.Fatalf("TryLock failed: ok %v err %v", ok, err)
	}
	if err := m.Release(ctx, h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	a := NewRedis(RedisOptions{Addr: mr.Addr(), Namespace: "jobs"})
	b := NewRedis(RedisOptions{Addr: mr.Addr(), Namespace: "jobs"})
	ctx := context.Background()

	if _, err := a.Schedule(ctx, "foo"); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if !mr.Exists("{jobs}:waiting") {
		t.Fatalf("expected namespaced waiting key")
	}
	h, ok, err := a.TryLock(ctx, "foo")
	if err != nil || !ok {
		t.Fatalf("TryLock failed: ok %v err %v", ok, err)
	}
	if _, ok, err := b.TryLock(ctx, "foo"); err != nil || ok {
		t.Fatalf("second worker acquired a held unit: ok %v err %v", ok, err)
	}
	if err := a.Release(ctx, h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()
	cfg.Scheduler.Parallelism = 2

	n, err := FromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	defer n.Close()
	if n.Validator == nil || n.Bus == nil {
		t.Fatalf("expected validator and bus to be wired")
	}

	ctx := context.Background()
	ran := make(chan struct{}, 1)
	err = n.Scheduler.Schedule(ctx, scheduler.Named("job"), scheduler.Func(func(context.Context, scheduler.Agent) error {
		ran <- struct{}{}
		return nil
	}))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := n.Scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	n.Scheduler.Wait()
	select {
	case <-ran:
	default:
		t.Fatal("agent did not run")
	}
	if _, err := n.Validator.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
}

func TestFromConfigRejectsInvalid(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Type = "pigeon"
	if _, err := FromConfig(cfg, nil); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}
}

func TestFromConfigMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Store = config.StoreMemory
	cfg.Bus.Type = config.BusMemory
	cfg.Validator.Mode = config.ValidatorOff

	n, err := FromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	defer n.Close()
	if n.Validator != nil {
		t.Fatalf("validator wired while off")
	}
	ctx := context.Background()
	if _, err := n.Lock.Schedule(ctx, "job"); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if _, ok, err := n.Lock.TryLock(ctx, "job"); err != nil || !ok {
		t.Fatalf("TryLock failed: ok %v err %v", ok, err)
	}
}
