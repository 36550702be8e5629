package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tickline/tickline/engine"
)

// errBudgetExhausted is returned when the gateway call budget is spent and
// no stale window exists to fall back on. The evaluator treats it like any
// other gateway failure: inconclusive, retried on the next tick.
var errBudgetExhausted = errors.New("history call budget exhausted")

// Cache is an engine.BarSource that keeps one bar window per (instrument,
// interval). A window stays valid for the interval bucket it was fetched in,
// so a burst of ticks inside one minute costs at most one gateway call for a
// minute-interval condition. Gateway calls are additionally rate limited;
// when the budget is spent a stale window is served rather than failing the
// evaluation.
type Cache struct {
	gateway Gateway
	loc     *time.Location
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	windows map[windowKey]*window
}

type windowKey struct {
	token uint32
	iv    engine.Interval
}

type window struct {
	bars      []engine.Bar // immutable once stored
	from      time.Time
	fetchedAt time.Time
}

// NewCache creates a cache over the given gateway.
func NewCache(gateway Gateway, loc *time.Location, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		gateway: gateway,
		loc:     loc,
		// Kite allows 3 historical calls/sec; stay under it with headroom.
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
		logger:  logger,
		now:     time.Now,
		windows: make(map[windowKey]*window),
	}
}

// RecentClosed implements engine.BarSource.
func (c *Cache) RecentClosed(ctx context.Context, token uint32, iv engine.Interval, n int, before time.Time) ([]engine.Bar, error) {
	// Calendar gaps (weekends, holidays) mean n bars span more than n
	// interval widths; over-fetch rather than come up short.
	span := iv.Duration() * time.Duration(2*n+7)
	bars, err := c.window(ctx, token, iv, before.Add(-span))
	if err != nil {
		return nil, err
	}
	bars = clip(bars, time.Time{}, before)
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return append([]engine.Bar(nil), bars...), nil
}

// SinceAnchor implements engine.BarSource.
func (c *Cache) SinceAnchor(ctx context.Context, token uint32, iv engine.Interval, anchor, before time.Time) ([]engine.Bar, error) {
	from := iv.BucketStart(anchor, c.loc)
	bars, err := c.window(ctx, token, iv, from)
	if err != nil {
		return nil, err
	}
	return append([]engine.Bar(nil), clip(bars, from, before)...), nil
}

// window returns the cached bars for (token, iv), refreshing from the
// gateway when the cached window is from an older interval bucket or does
// not reach back to `from`.
func (c *Cache) window(ctx context.Context, token uint32, iv engine.Interval, from time.Time) ([]engine.Bar, error) {
	key := windowKey{token: token, iv: iv}
	now := c.now()
	bucket := iv.BucketStart(now, c.loc)

	c.mu.Lock()
	w := c.windows[key]
	var stale []engine.Bar
	if w != nil {
		stale = w.bars
		fresh := !iv.BucketStart(w.fetchedAt, c.loc).Before(bucket) && !from.Before(w.from)
		if fresh {
			c.mu.Unlock()
			return stale, nil
		}
	}
	c.mu.Unlock()

	if !c.limiter.Allow() {
		if stale != nil {
			c.logger.Debug("History budget spent, serving stale window", "token", token, "interval", iv)
			return stale, nil
		}
		return nil, errBudgetExhausted
	}

	bars, err := c.gateway.LoadBars(ctx, token, iv, from, now)
	if err != nil {
		if stale != nil {
			c.logger.Warn("History refresh failed, serving stale window", "token", token, "interval", iv, "error", err)
			return stale, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.windows[key] = &window{bars: bars, from: from, fetchedAt: now}
	c.mu.Unlock()
	return bars, nil
}

// clip keeps bars with from <= Start < before. A zero `from` means unbounded.
func clip(bars []engine.Bar, from, before time.Time) []engine.Bar {
	lo, hi := 0, len(bars)
	for lo < hi && !from.IsZero() && bars[lo].Start.Before(from) {
		lo++
	}
	for hi > lo && !bars[hi-1].Start.Before(before) {
		hi--
	}
	return bars[lo:hi]
}
