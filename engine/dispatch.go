package engine

import (
	"context"
	"log/slog"
	"sync"
)

const shardBuffer = 512

// Dispatcher fans live ticks out to a fixed set of workers, sharded by
// instrument token: ticks for one instrument are evaluated in arrival order
// on one worker while different instruments run in parallel. The feed's read
// loop only ever pays for a channel send.
type Dispatcher struct {
	shards   []chan Tick
	registry *Registry
	eval     *Evaluator
	pipeline *Pipeline
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given worker count.
func NewDispatcher(workers int, registry *Registry, eval *Evaluator, pipeline *Pipeline, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	shards := make([]chan Tick, workers)
	for i := range shards {
		shards[i] = make(chan Tick, shardBuffer)
	}
	return &Dispatcher{
		shards:   shards,
		registry: registry,
		eval:     eval,
		pipeline: pipeline,
		logger:   logger,
	}
}

// Start launches the shard workers. They exit when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for _, shard := range d.shards {
		d.wg.Add(1)
		go d.worker(ctx, shard)
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// HandleTick routes a tick to its instrument's shard. A full shard drops the
// tick with a warning rather than stalling the feed's read loop; the next
// tick for the instrument re-evaluates against fresher prices anyway.
func (d *Dispatcher) HandleTick(t Tick) {
	shard := d.shards[int(t.Token)%len(d.shards)]
	select {
	case shard <- t:
	default:
		d.logger.Warn("Shard backlog full, dropping tick", "token", t.Token)
	}
}

func (d *Dispatcher) worker(ctx context.Context, shard <-chan Tick) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-shard:
			d.process(ctx, t)
		}
	}
}

// process evaluates one tick against every ACTIVE condition on its
// instrument. The snapshot from the registry keeps all evaluations of this
// tick consistent even while registrations mutate concurrently.
func (d *Dispatcher) process(ctx context.Context, t Tick) {
	conds := d.registry.ConditionsFor(t.Token)
	for _, c := range conds {
		ev := d.eval.Evaluate(ctx, c, t)
		if ev.Conclusive && ev.Touched {
			d.pipeline.Submit(c, ev, t)
		}
	}
}
