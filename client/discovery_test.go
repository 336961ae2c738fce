package client

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"remoting/registry"
	"remoting/server"
)

type countingRegistry struct {
	*registry.MemoryRegistry
	discovers atomic.Int32
}

func (r *countingRegistry) Discover(ctx context.Context, service string) ([]registry.ServiceInstance, error) {
	r.discovers.Add(1)
	return r.MemoryRegistry.Discover(ctx, service)
}

func TestInstanceCacheFollowsWatch(t *testing.T) {
	reg := &countingRegistry{MemoryRegistry: registry.NewMemoryRegistry()}
	ctx := context.Background()
	reg.Register(ctx, "Calc", registry.ServiceInstance{Addr: "a:1"}, 10)

	cache := newInstanceCache(reg, "Calc", zap.NewNop())
	defer cache.stop()

	list, err := cache.get(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("first lookup: %v %v", list, err)
	}
	if _, err := cache.get(ctx); err != nil {
		t.Fatal(err)
	}
	if n := reg.discovers.Load(); n != 1 {
		t.Fatalf("expect one Discover while the cache is populated, got %d", n)
	}

	reg.Register(ctx, "Calc", registry.ServiceInstance{Addr: "b:1"}, 10)
	eventually(t, func() bool {
		list, _ := cache.get(ctx)
		return len(list) == 2
	}, "watch update applied")

	reg.Deregister(ctx, "Calc", "a:1")
	eventually(t, func() bool {
		list, _ := cache.get(ctx)
		return len(list) == 1 && list[0].Addr == "b:1"
	}, "removal applied")
	if n := reg.discovers.Load(); n != 1 {
		t.Fatalf("watch updates must not trigger Discover, got %d calls", n)
	}
}

func TestInstanceCacheRediscoversWhenEmpty(t *testing.T) {
	reg := &countingRegistry{MemoryRegistry: registry.NewMemoryRegistry()}
	cache := newInstanceCache(reg, "Calc", zap.NewNop())
	defer cache.stop()

	for i := 0; i < 2; i++ {
		if list, err := cache.get(context.Background()); err != nil || len(list) != 0 {
			t.Fatalf("lookup %d: %v %v", i, list, err)
		}
	}
	if n := reg.discovers.Load(); n != 2 {
		t.Fatalf("expect Discover on every lookup of an empty service, got %d", n)
	}
}

func TestFacadeFollowsRegistryChanges(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	_, svr1 := startServer(t, server.Config{Registry: reg})

	f := newFacade(t, Config{Registry: reg, Service: "Calc", Mode: ModeStateful, AutoReconnect: true, Timeout: 2 * time.Second})
	if _, err := Call[int](context.Background(), f, "Add", 1, 1); err != nil {
		t.Fatal(err)
	}

	_, svr2 := startServer(t, server.Config{Registry: reg})
	if err := svr1.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		got, err := Call[int](context.Background(), f, "Add", 2, 2)
		return err == nil && got == 4 && f.stateful.Current().Addr() == svr2.Addr()
	}, "reconnected to the remaining instance")
}
