package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Lifecycle orchestrates bulk registration at market open, bulk teardown at
// market close, and the single register/unregister operations behind the
// on-demand API.
type Lifecycle struct {
	registry *Registry
	coord    *Coordinator
	store    Store
	logger   *slog.Logger
	now      func() time.Time
}

// NewLifecycle creates a lifecycle controller.
func NewLifecycle(registry *Registry, coord *Coordinator, store Store, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		registry: registry,
		coord:    coord,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterAllActive loads every persisted ACTIVE condition and registers it,
// grouping feed subscriptions by instrument. It runs from the session timer
// with no caller to receive an error, so it logs and never panics out.
func (l *Lifecycle) RegisterAllActive(ctx context.Context) {
	conds, err := l.store.FindAllActive(ctx)
	if err != nil {
		l.logger.Error("Loading active conditions failed", "error", err)
		return
	}
	registered, skipped := l.registry.RegisterAll(conds)
	l.logger.Info("Market open registration complete",
		"registered", registered,
		"skipped", skipped,
		"instruments", len(l.coord.Subscribed()),
	)
}

// UnregisterAll flips every ACTIVE condition to DELETED, tears down all feed
// subscriptions in one bulk call, and persists the terminal status. Same
// no-throw contract as RegisterAllActive.
func (l *Lifecycle) UnregisterAll(ctx context.Context) {
	flipped := l.registry.UnregisterAllActive()
	l.coord.ReleaseAll()
	for _, c := range flipped {
		if err := l.store.MarkDeleted(ctx, c.Meta().ID); err != nil {
			l.logger.Error("Persisting deleted condition failed", "id", c.Meta().ID, "error", err)
		}
	}
	l.logger.Info("Market close teardown complete", "conditions", len(flipped))
}

// RegisterCommand describes a single on-demand registration. Period applies
// to MOVING_AVERAGE; Anchor and Slope to TREND_LINE.
type RegisterCommand struct {
	Kind      Kind
	Token     uint32
	Symbol    string
	Interval  Interval
	Direction Direction
	Note      string
	Period    int
	Anchor    time.Time
	Slope     decimal.Decimal
}

// RegisterSingle validates, registers and persists one condition, returning
// the created value. Persistence failures after the in-memory registration
// are logged, not rolled back: the write-through store is best effort.
func (l *Lifecycle) RegisterSingle(ctx context.Context, cmd RegisterCommand) (Condition, error) {
	base := Base{
		ID:        uuid.New().String(),
		Token:     cmd.Token,
		Symbol:    cmd.Symbol,
		Interval:  cmd.Interval,
		Direction: cmd.Direction,
		Note:      cmd.Note,
		Status:    StatusActive,
		CreatedAt: l.now(),
	}

	var c Condition
	switch cmd.Kind {
	case KindMovingAverage:
		c = MovingAverage{Base: base, Period: cmd.Period}
	case KindTrendLine:
		c = TrendLine{Base: base, Anchor: cmd.Anchor, Slope: cmd.Slope}
	default:
		return nil, &ValidationError{Field: "kind", Reason: "unknown condition kind"}
	}

	if err := l.registry.Register(c); err != nil {
		return nil, err
	}
	if err := l.store.Save(ctx, c); err != nil {
		l.logger.Error("Persisting condition failed", "id", base.ID, "error", err)
	}
	l.logger.Info("Condition registered", "id", base.ID, "kind", c.Kind(), "symbol", base.Symbol)
	return c, nil
}

// UnregisterSingle deletes one condition by id. Unknown or already-terminal
// ids report ErrNotFound and change nothing.
func (l *Lifecycle) UnregisterSingle(ctx context.Context, id string) error {
	if err := l.registry.Unregister(id); err != nil {
		return err
	}
	if err := l.store.MarkDeleted(ctx, id); err != nil {
		l.logger.Error("Persisting deleted condition failed", "id", id, "error", err)
	}
	l.logger.Info("Condition unregistered", "id", id)
	return nil
}
