package client

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"remoting/registry"
)

// instanceCache holds the discovered instances of one service. The first lookup starts a
// registry watch that keeps the list current; Discover is queried again only while the
// list is empty.
type instanceCache struct {
	reg     registry.Registry
	service string
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	instances []registry.ServiceInstance
	gen       uint64 // bumped by every watch update
	watching  bool
}

func newInstanceCache(reg registry.Registry, service string, logger *zap.Logger) *instanceCache {
	ctx, cancel := context.WithCancel(context.Background())
	return &instanceCache{reg: reg, service: service, logger: logger, ctx: ctx, cancel: cancel}
}

func (c *instanceCache) get(ctx context.Context) ([]registry.ServiceInstance, error) {
	c.mu.Lock()
	if len(c.instances) > 0 {
		list := slices.Clone(c.instances)
		c.mu.Unlock()
		return list, nil
	}
	if !c.watching && c.ctx.Err() == nil {
		c.watching = true
		go c.watch(c.reg.Watch(c.ctx, c.service))
	}
	gen := c.gen
	c.mu.Unlock()

	list, err := c.reg.Discover(ctx, c.service)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.gen == gen {
		c.instances = list
	}
	c.mu.Unlock()
	return slices.Clone(list), nil
}

func (c *instanceCache) watch(updates <-chan []registry.ServiceInstance) {
	for list := range updates {
		c.mu.Lock()
		c.instances = list
		c.gen++
		c.mu.Unlock()
		c.logger.Debug("instances updated", zap.String("service", c.service), zap.Int("count", len(list)))
	}
}

func (c *instanceCache) stop() {
	c.cancel()
}
