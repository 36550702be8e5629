package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	pipelineBuffer  = 256
	pipelineTimeout = 10 * time.Second
)

// Pipeline carries touched conditions from the tick path to their downstream
// effects: persist the SUCCEEDED status, release the instrument's feed
// reference, send a notification. Submission never blocks the tick path; the
// work runs on a single worker goroutine started by Run.
type Pipeline struct {
	registry *Registry
	coord    *Coordinator
	store    Store
	notifier Notifier
	logger   *slog.Logger
	events   chan OutcomeEvent
	done     chan struct{}
}

// NewPipeline creates a pipeline. notifier may be nil (notifications off).
func NewPipeline(registry *Registry, coord *Coordinator, store Store, notifier Notifier, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registry: registry,
		coord:    coord,
		store:    store,
		notifier: notifier,
		logger:   logger,
		events:   make(chan OutcomeEvent, pipelineBuffer),
		done:     make(chan struct{}),
	}
}

// Submit commits a touch. The compare-and-set on the registry entry resolves
// the race against a concurrent unregister: the loser is discarded silently
// and no downstream effect runs twice. The enqueue is fire-and-forget.
func (p *Pipeline) Submit(c Condition, ev Evaluation, tick Tick) {
	m := c.Meta()
	if !p.registry.MarkSucceeded(m.ID) {
		// Condition was deleted (or already succeeded) between evaluation
		// and commit. Expected concurrency outcome, not an error.
		p.logger.Debug("Touch discarded, condition no longer active", "id", m.ID)
		return
	}

	out := OutcomeEvent{
		ConditionID: m.ID,
		Kind:        c.Kind(),
		Token:       m.Token,
		Symbol:      m.Symbol,
		Direction:   ev.Direction,
		Reference:   ev.Reference,
		Price:       tick.Price,
		At:          tick.At,
	}
	select {
	case p.events <- out:
	default:
		// The in-memory flip above is the source of truth; the external
		// write is lost and must be reconciled from logs. The feed
		// reference still has to go, or the subscription leaks until close.
		p.coord.Release(m.Token)
		p.logger.Error("Success queue full, dropping event", "id", m.ID, "symbol", m.Symbol)
	}
}

// Run consumes events until ctx is cancelled, then drains what is already
// queued before returning.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case ev := <-p.events:
			p.handle(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-p.events:
					p.handle(ev)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has drained and returned.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

func (p *Pipeline) handle(ev OutcomeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), pipelineTimeout)
	defer cancel()

	wrote, err := p.store.MarkSucceeded(ctx, ev.ConditionID, ev.Price, ev.Reference, ev.At)
	switch {
	case err != nil:
		// Never rolls back the in-memory flip; the store adapter owns retries.
		p.logger.Error("Persisting touch failed", "id", ev.ConditionID, "error", err)
	case !wrote:
		// Redelivery of an already-persisted outcome: idempotent no-op.
		p.logger.Debug("Touch already persisted, skipping side effects", "id", ev.ConditionID)
		return
	}

	p.coord.Release(ev.Token)

	if p.notifier != nil {
		if err := p.notifier.Send(ctx, touchMessage(ev)); err != nil {
			p.logger.Error("Touch notification failed", "id", ev.ConditionID, "error", err)
		}
	}

	p.logger.Info("Condition touched",
		"id", ev.ConditionID,
		"kind", ev.Kind,
		"symbol", ev.Symbol,
		"direction", ev.Direction,
		"reference", ev.Reference,
		"price", ev.Price,
	)
}

func touchMessage(ev OutcomeEvent) string {
	arrow := "↗"
	if ev.Direction == DirectionDown {
		arrow = "↘"
	}
	return fmt.Sprintf("%s %s crossed %s at %s (reference %s, %s)",
		arrow, ev.Symbol, ev.Direction, ev.Price, ev.Reference, ev.Kind)
}
