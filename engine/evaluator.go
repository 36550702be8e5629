package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// Evaluation is the outcome of checking one tick against one condition. The
// zero value is inconclusive: not enough data to decide either way, which is
// an expected soft outcome (startup, missing previous price), never an error.
type Evaluation struct {
	Conclusive bool
	Touched    bool
	Direction  Direction // UP or DOWN when Touched
	Reference  decimal.Decimal
}

// Evaluator decides whether a tick touches a condition's reference level.
// It holds no mutable state and is safe to call concurrently.
type Evaluator struct {
	bars   BarSource
	loc    *time.Location
	logger *slog.Logger
}

// NewEvaluator creates an evaluator reading history from bars. Bucket
// boundaries for day and larger intervals are computed in loc.
func NewEvaluator(bars BarSource, loc *time.Location, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{bars: bars, loc: loc, logger: logger}
}

// Evaluate checks one tick against one condition. History-gateway failures
// degrade to an inconclusive result; the tick loop must survive them.
func (e *Evaluator) Evaluate(ctx context.Context, c Condition, tick Tick) Evaluation {
	if !tick.HasPrev {
		// First tick since subscribing: no crossing to observe yet.
		return Evaluation{}
	}

	var (
		ref decimal.Decimal
		err error
	)
	switch v := c.(type) {
	case MovingAverage:
		ref, err = e.movingAverageLevel(ctx, v, tick)
	case TrendLine:
		ref, err = e.trendLineLevel(ctx, v, tick)
	default:
		return Evaluation{}
	}
	if err != nil {
		if errors.Is(err, errInsufficientBars) {
			e.logger.Debug("Evaluation inconclusive", "id", c.Meta().ID, "reason", err)
		} else {
			e.logger.Warn("History lookup failed, treating as inconclusive",
				"id", c.Meta().ID, "token", tick.Token, "error", err)
		}
		return Evaluation{}
	}

	return crossing(c.Meta().Direction, tick.Prev, tick.Price, ref)
}

// crossing applies the directional rule: UP touches iff prev <= ref < cur,
// DOWN iff prev >= ref > cur, EITHER is the disjunction.
func crossing(want Direction, prev, cur, ref decimal.Decimal) Evaluation {
	ev := Evaluation{Conclusive: true, Reference: ref}

	up := prev.LessThanOrEqual(ref) && cur.GreaterThan(ref)
	down := prev.GreaterThanOrEqual(ref) && cur.LessThan(ref)
	switch {
	case up && (want == DirectionUp || want == DirectionEither):
		ev.Touched = true
		ev.Direction = DirectionUp
	case down && (want == DirectionDown || want == DirectionEither):
		ev.Touched = true
		ev.Direction = DirectionDown
	}
	return ev
}

// movingAverageLevel computes the mean close of the most recent Period bars
// strictly before the tick's interval bucket.
func (e *Evaluator) movingAverageLevel(ctx context.Context, c MovingAverage, tick Tick) (decimal.Decimal, error) {
	before := c.Interval.BucketStart(tick.At, e.loc)
	bars, err := e.bars.RecentClosed(ctx, c.Token, c.Interval, c.Period, before)
	if err != nil {
		return decimal.Zero, err
	}
	if len(bars) < c.Period {
		return decimal.Zero, errInsufficientBars
	}
	bars = bars[len(bars)-c.Period:]

	sum := decimal.Zero
	for _, b := range bars {
		sum = sum.Add(b.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(c.Period))), nil
}

// trendLineLevel extrapolates the anchor bar's close by Slope per elapsed
// bar, rounded half-up to a whole price unit.
func (e *Evaluator) trendLineLevel(ctx context.Context, c TrendLine, tick Tick) (decimal.Decimal, error) {
	before := c.Interval.BucketStart(tick.At, e.loc)
	bars, err := e.bars.SinceAnchor(ctx, c.Token, c.Interval, c.Anchor, before)
	if err != nil {
		return decimal.Zero, err
	}
	if len(bars) < 2 {
		// Need the anchor bar plus at least one more to span a trend.
		return decimal.Zero, errInsufficientBars
	}
	elapsed := decimal.NewFromInt(int64(len(bars) - 1))
	return bars[0].Close.Add(c.Slope.Mul(elapsed)).Round(0), nil
}
