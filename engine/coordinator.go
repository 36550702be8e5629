package engine

import (
	"log/slog"
	"sort"
	"sync"
)

// Coordinator maps condition reference counts to upstream feed subscriptions:
// exactly one live subscription exists per instrument while at least one
// ACTIVE condition depends on it.
type Coordinator struct {
	mu     sync.Mutex
	refs   map[uint32]int
	feed   QuoteFeed
	logger *slog.Logger
}

// NewCoordinator creates a coordinator over the given feed.
func NewCoordinator(feed QuoteFeed, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		refs:   make(map[uint32]int),
		feed:   feed,
		logger: logger,
	}
}

// Acquire increments the instrument's refcount. The 0-to-1 transition issues
// a single upstream subscribe. Feed errors are logged, not surfaced: the
// feed adapter re-applies the desired set on reconnect.
func (c *Coordinator) Acquire(token uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refs[token]++
	if c.refs[token] != 1 {
		return
	}
	if err := c.feed.Subscribe([]uint32{token}); err != nil {
		c.logger.Error("Feed subscribe failed", "token", token, "error", err)
	}
}

// Release decrements the instrument's refcount. The 1-to-0 transition issues
// a single upstream unsubscribe. Releasing below zero is a no-op, logged as
// an invariant violation for diagnostics.
func (c *Coordinator) Release(token uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.refs[token]
	if !ok || n <= 0 {
		c.logger.Warn("Release without matching acquire", "token", token)
		return
	}
	if n > 1 {
		c.refs[token] = n - 1
		return
	}
	delete(c.refs, token)
	if err := c.feed.Unsubscribe([]uint32{token}); err != nil {
		c.logger.Error("Feed unsubscribe failed", "token", token, "error", err)
	}
}

// ReleaseAll tears down every outstanding subscription in one upstream call
// and resets all refcounts. Used at market close.
func (c *Coordinator) ReleaseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.refs) == 0 {
		return
	}
	n := len(c.refs)
	c.refs = make(map[uint32]int)
	if err := c.feed.UnsubscribeAll(); err != nil {
		c.logger.Error("Feed unsubscribe-all failed", "instruments", n, "error", err)
	}
}

// Refs returns the current refcount for an instrument.
func (c *Coordinator) Refs(token uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs[token]
}

// Subscribed returns the sorted set of instruments with refcount > 0.
func (c *Coordinator) Subscribed() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]uint32, 0, len(c.refs))
	for token := range c.refs {
		out = append(out, token)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
