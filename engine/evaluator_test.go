package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func tick(token uint32, prev, cur string) Tick {
	return Tick{
		Token:   token,
		Price:   dec(cur),
		Prev:    dec(prev),
		HasPrev: true,
		At:      time.Date(2025, 8, 20, 11, 30, 0, 0, ist),
	}
}

func maEvaluator(closes ...string) *Evaluator {
	bars := &fakeBars{
		recent: func(_ uint32, _ Interval, _ int, before time.Time) ([]Bar, error) {
			return barsWithCloses(before, closes...), nil
		},
	}
	return NewEvaluator(bars, ist, testLogger())
}

func TestMovingAverageUpwardCross(t *testing.T) {
	// period=3 over closes [100, 102, 101] gives reference 101.
	eval := maEvaluator("100", "102", "101")
	cond := maCond("ma", 1, 3, DirectionUp)

	ev := eval.Evaluate(context.Background(), cond, tick(1, "100", "103"))
	require.True(t, ev.Conclusive)
	assert.True(t, ev.Touched)
	assert.Equal(t, DirectionUp, ev.Direction)
	assert.True(t, ev.Reference.Equal(dec("101")), "reference = %s", ev.Reference)

	// Current price never clears the reference: no touch.
	ev = eval.Evaluate(context.Background(), cond, tick(1, "100", "100.5"))
	require.True(t, ev.Conclusive)
	assert.False(t, ev.Touched)
}

func TestMovingAverageDownwardCross(t *testing.T) {
	eval := maEvaluator("100", "102", "101")
	cond := maCond("ma", 1, 3, DirectionDown)

	ev := eval.Evaluate(context.Background(), cond, tick(1, "102", "100"))
	require.True(t, ev.Conclusive)
	assert.True(t, ev.Touched)
	assert.Equal(t, DirectionDown, ev.Direction)

	// An upward cross does not satisfy a DOWN condition.
	ev = eval.Evaluate(context.Background(), cond, tick(1, "100", "103"))
	assert.False(t, ev.Touched)
}

func TestMovingAverageEitherDirection(t *testing.T) {
	eval := maEvaluator("100", "102", "101")
	cond := maCond("ma", 1, 3, DirectionEither)

	up := eval.Evaluate(context.Background(), cond, tick(1, "100", "103"))
	require.True(t, up.Touched)
	assert.Equal(t, DirectionUp, up.Direction)

	down := eval.Evaluate(context.Background(), cond, tick(1, "102", "100"))
	require.True(t, down.Touched)
	assert.Equal(t, DirectionDown, down.Direction)
}

func TestReferenceEqualityConvention(t *testing.T) {
	// prev == reference counts as crossed-from; cur == reference does not
	// count as crossed-to.
	eval := maEvaluator("100", "102", "101")
	cond := maCond("ma", 1, 3, DirectionUp)

	ev := eval.Evaluate(context.Background(), cond, tick(1, "101", "102"))
	assert.True(t, ev.Touched, "prev exactly at reference should touch on the way up")

	ev = eval.Evaluate(context.Background(), cond, tick(1, "100", "101"))
	assert.False(t, ev.Touched, "landing exactly on the reference is not a cross")
}

func TestMovingAverageInsufficientBars(t *testing.T) {
	eval := maEvaluator("100", "102") // two bars for period=3
	cond := maCond("ma", 1, 3, DirectionUp)

	ev := eval.Evaluate(context.Background(), cond, tick(1, "100", "103"))
	assert.False(t, ev.Conclusive)
	assert.False(t, ev.Touched)
}

func TestMovingAverageUsesMostRecentBars(t *testing.T) {
	// Source returns more bars than the period; only the newest 3 count.
	eval := maEvaluator("500", "500", "100", "102", "101")
	cond := maCond("ma", 1, 3, DirectionUp)

	ev := eval.Evaluate(context.Background(), cond, tick(1, "100", "103"))
	require.True(t, ev.Conclusive)
	assert.True(t, ev.Reference.Equal(dec("101")), "reference = %s", ev.Reference)
}

func TestMovingAverageWindowEndsBeforeTickBucket(t *testing.T) {
	var gotBefore time.Time
	bars := &fakeBars{
		recent: func(_ uint32, _ Interval, _ int, before time.Time) ([]Bar, error) {
			gotBefore = before
			return barsWithCloses(before, "100", "102", "101"), nil
		},
	}
	eval := NewEvaluator(bars, ist, testLogger())
	at := time.Date(2025, 8, 20, 11, 30, 0, 0, ist)

	cond := maCond("ma", 1, 3, DirectionUp)
	eval.Evaluate(context.Background(), cond, Tick{Token: 1, Price: dec("103"), Prev: dec("100"), HasPrev: true, At: at})

	// Day interval: the window must stop at the tick day's open, so the
	// still-forming bar never contributes to the mean.
	assert.Equal(t, time.Date(2025, 8, 20, 0, 0, 0, 0, ist), gotBefore)
}

func TestTrendLineTouch(t *testing.T) {
	// Anchor close 50000, slope +100/bar, 5 bars elapsed: reference 50500.
	anchor := time.Date(2025, 8, 10, 0, 0, 0, 0, ist)
	bars := &fakeBars{
		since: func(_ uint32, _ Interval, _, before time.Time) ([]Bar, error) {
			return barsWithCloses(before, "50000", "50100", "50150", "50220", "50300", "50420"), nil
		},
	}
	eval := NewEvaluator(bars, ist, testLogger())
	cond := tlCond("tl", 1, anchor, "100", DirectionUp)

	ev := eval.Evaluate(context.Background(), cond, tick(1, "50400", "50600"))
	require.True(t, ev.Conclusive)
	assert.True(t, ev.Touched)
	assert.Equal(t, DirectionUp, ev.Direction)
	assert.True(t, ev.Reference.Equal(dec("50500")), "reference = %s", ev.Reference)
}

func TestTrendLineReferenceRoundsHalfUp(t *testing.T) {
	anchor := time.Date(2025, 8, 10, 0, 0, 0, 0, ist)
	bars := &fakeBars{
		since: func(_ uint32, _ Interval, _, before time.Time) ([]Bar, error) {
			return barsWithCloses(before, "100", "101", "102"), nil
		},
	}
	eval := NewEvaluator(bars, ist, testLogger())
	// 2 bars elapsed at slope 10.25: 100 + 20.5 rounds to 121.
	cond := tlCond("tl", 1, anchor, "10.25", DirectionUp)

	ev := eval.Evaluate(context.Background(), cond, tick(1, "120", "122"))
	require.True(t, ev.Conclusive)
	assert.True(t, ev.Reference.Equal(dec("121")), "reference = %s", ev.Reference)
	assert.True(t, ev.Touched)
}

func TestTrendLineNeedsTwoBars(t *testing.T) {
	anchor := time.Date(2025, 8, 19, 0, 0, 0, 0, ist)
	bars := &fakeBars{
		since: func(_ uint32, _ Interval, _, before time.Time) ([]Bar, error) {
			return barsWithCloses(before, "50000"), nil
		},
	}
	eval := NewEvaluator(bars, ist, testLogger())
	cond := tlCond("tl", 1, anchor, "100", DirectionUp)

	ev := eval.Evaluate(context.Background(), cond, tick(1, "50000", "50200"))
	assert.False(t, ev.Conclusive)
}

func TestEvaluateWithoutPreviousPrice(t *testing.T) {
	eval := maEvaluator("100", "102", "101")
	cond := maCond("ma", 1, 3, DirectionUp)

	ev := eval.Evaluate(context.Background(), cond, Tick{
		Token: 1, Price: dec("103"),
		At: time.Date(2025, 8, 20, 11, 30, 0, 0, ist),
	})
	assert.False(t, ev.Conclusive)
}

func TestEvaluateHistoryErrorIsInconclusive(t *testing.T) {
	bars := &fakeBars{
		recent: func(_ uint32, _ Interval, _ int, _ time.Time) ([]Bar, error) {
			return nil, errors.New("gateway down")
		},
	}
	eval := NewEvaluator(bars, ist, testLogger())
	cond := maCond("ma", 1, 3, DirectionUp)

	ev := eval.Evaluate(context.Background(), cond, tick(1, "100", "103"))
	assert.False(t, ev.Conclusive)
	assert.False(t, ev.Touched)
}
