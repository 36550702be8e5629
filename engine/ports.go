package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// QuoteFeed is the upstream live quote subscription surface. Implementations
// are expected to keep the desired set across reconnects and to retry
// transient failures under their own policy.
type QuoteFeed interface {
	Subscribe(tokens []uint32) error
	Unsubscribe(tokens []uint32) error
	UnsubscribeAll() error
}

// BarSource supplies fully-closed historical bars for touch evaluation.
// Returned bars are ordered oldest to newest and never include the bucket
// containing `before` or anything after it.
type BarSource interface {
	// RecentClosed returns up to n bars whose buckets end at or before
	// `before`. Fewer than n bars is not an error.
	RecentClosed(ctx context.Context, token uint32, iv Interval, n int, before time.Time) ([]Bar, error)

	// SinceAnchor returns every closed bar from the bucket containing
	// anchor up to (excluding) the bucket containing `before`.
	SinceAnchor(ctx context.Context, token uint32, iv Interval, anchor, before time.Time) ([]Bar, error)
}

// Store persists conditions across restarts. MarkSucceeded is the idempotency
// point of the success pipeline: it reports false when the row had already
// left ACTIVE, so a redelivered event produces no second observable write.
type Store interface {
	Save(ctx context.Context, c Condition) error
	FindByID(ctx context.Context, id string) (Condition, error)
	FindAllActive(ctx context.Context) ([]Condition, error)
	MarkSucceeded(ctx context.Context, id string, price, reference decimal.Decimal, at time.Time) (bool, error)
	MarkDeleted(ctx context.Context, id string) error
}

// Notifier delivers a human-readable touch message.
type Notifier interface {
	Send(ctx context.Context, text string) error
}
