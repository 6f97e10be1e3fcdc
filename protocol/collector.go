package protocol

import (
	"context"
	"sync"
	"time"
)

// Collector gathers keyed items until a quorum is reached or a deadline
// expires. Every quorum-or-timeout wait in the protocol (facility shares at
// a fog node, partial sums and votes at the leader) goes through one of
// these. Duplicate keys are idempotent.
type Collector[T any] struct {
	mu     sync.Mutex
	quorum int
	items  map[string]T
	met    chan struct{}
}

// NewCollector creates a collector that signals once quorum distinct keys
// have been added.
func NewCollector[T any](quorum int) *Collector[T] {
	return &Collector[T]{
		quorum: quorum,
		items:  make(map[string]T),
		met:    make(chan struct{}),
	}
}

// Add records an item under key. It returns false for duplicates, which
// are ignored.
func (c *Collector[T]) Add(key string, item T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		return false
	}
	c.items[key] = item
	if len(c.items) == c.quorum {
		close(c.met)
	}
	return true
}

// Len returns the number of distinct items collected so far.
func (c *Collector[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Items returns a snapshot of everything collected so far.
func (c *Collector[T]) Items() map[string]T {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]T, len(c.items))
	for k, v := range c.items {
		out[k] = v
	}
	return out
}

// Wait blocks until quorum is met, the deadline passes, or ctx is
// cancelled. It returns the collected items and whether quorum was met.
// Items that arrive after quorum but before the snapshot are included.
func (c *Collector[T]) Wait(ctx context.Context, deadline time.Duration) (map[string]T, bool) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-c.met:
		return c.Items(), true
	case <-timer.C:
		items := c.Items()
		return items, len(items) >= c.quorum
	case <-ctx.Done():
		items := c.Items()
		return items, len(items) >= c.quorum
	}
}
