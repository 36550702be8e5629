package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLifecycle() (*Lifecycle, *Registry, *Coordinator, *fakeFeed, *fakeStore) {
	feed := &fakeFeed{}
	coord := NewCoordinator(feed, testLogger())
	reg := NewRegistry(coord, testLogger())
	store := newFakeStore()
	return NewLifecycle(reg, coord, store, testLogger()), reg, coord, feed, store
}

func TestRegisterAllActiveGroupsByInstrument(t *testing.T) {
	lc, reg, coord, feed, store := newTestLifecycle()

	tokens := []uint32{1, 1, 1, 2, 2, 3, 3, 3, 3, 4}
	for i, tok := range tokens {
		store.active = append(store.active, maCond(fmt.Sprintf("p%d", i), tok, 5, DirectionUp))
	}

	lc.RegisterAllActive(context.Background())

	assert.Equal(t, 10, reg.Count())
	assert.Equal(t, 4, feed.subscribeCalls())
	assert.Equal(t, []uint32{1, 2, 3, 4}, coord.Subscribed())
}

func TestRegisterAllActiveSurvivesLoadFailure(t *testing.T) {
	lc, reg, _, _, store := newTestLifecycle()
	store.loadErr = errors.New("db offline")

	// Runs from a timer: must log and return, never panic.
	lc.RegisterAllActive(context.Background())
	assert.Zero(t, reg.Count())
}

func TestRegisterAllActiveSkipsMalformedRows(t *testing.T) {
	lc, reg, _, _, store := newTestLifecycle()
	store.active = []Condition{
		maCond("good", 1, 5, DirectionUp),
		maCond("bad", 2, -1, DirectionUp),
		tlCond("also-good", 3, time.Now().AddDate(0, 0, -5), "10", DirectionDown),
	}

	lc.RegisterAllActive(context.Background())
	assert.Equal(t, 2, reg.Count())
}

func TestUnregisterAllTearsDownAndPersists(t *testing.T) {
	lc, reg, coord, feed, store := newTestLifecycle()
	store.active = []Condition{
		maCond("a", 1, 5, DirectionUp),
		maCond("b", 1, 5, DirectionDown),
		maCond("c", 2, 5, DirectionUp),
	}
	lc.RegisterAllActive(context.Background())
	require.Equal(t, 3, reg.Count())

	lc.UnregisterAll(context.Background())

	assert.Zero(t, reg.Count())
	assert.Empty(t, coord.Subscribed())
	assert.Equal(t, 1, feed.unsubscribeAlls, "one bulk unsubscribe, not per instrument")
	assert.Equal(t, 0, feed.unsubscribeCalls())
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, store.deletedWrites(id), "id %s", id)
	}
}

func TestRegisterSingleMovingAverage(t *testing.T) {
	lc, reg, coord, _, store := newTestLifecycle()

	c, err := lc.RegisterSingle(context.Background(), RegisterCommand{
		Kind:      KindMovingAverage,
		Token:     55,
		Symbol:    "NSE:INFY",
		Interval:  IntervalMinute,
		Direction: DirectionUp,
		Period:    20,
	})
	require.NoError(t, err)

	m := c.Meta()
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, KindMovingAverage, c.Kind())
	assert.Equal(t, 1, coord.Refs(55))
	assert.Len(t, reg.ConditionsFor(55), 1)

	persisted, err := store.FindByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, persisted.Meta().ID)
}

func TestRegisterSingleTrendLine(t *testing.T) {
	lc, _, _, _, _ := newTestLifecycle()

	anchor := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	c, err := lc.RegisterSingle(context.Background(), RegisterCommand{
		Kind:      KindTrendLine,
		Token:     60,
		Symbol:    "NSE:TCS",
		Interval:  IntervalDay,
		Direction: DirectionDown,
		Anchor:    anchor,
		Slope:     dec("-12.5"),
	})
	require.NoError(t, err)

	tl, ok := c.(TrendLine)
	require.True(t, ok)
	assert.True(t, tl.Slope.Equal(dec("-12.5")))
	assert.Equal(t, anchor, tl.Anchor)
}

func TestRegisterSingleValidation(t *testing.T) {
	lc, reg, _, _, _ := newTestLifecycle()

	_, err := lc.RegisterSingle(context.Background(), RegisterCommand{
		Kind:      KindMovingAverage,
		Token:     1,
		Interval:  IntervalDay,
		Direction: DirectionUp,
		Period:    0,
	})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	_, err = lc.RegisterSingle(context.Background(), RegisterCommand{Kind: Kind("SUPPORT_LEVEL")})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	assert.Zero(t, reg.Count())
}

func TestUnregisterSingle(t *testing.T) {
	lc, _, coord, _, store := newTestLifecycle()

	c, err := lc.RegisterSingle(context.Background(), RegisterCommand{
		Kind:      KindMovingAverage,
		Token:     70,
		Symbol:    "NSE:SBIN",
		Interval:  IntervalHour,
		Direction: DirectionEither,
		Period:    5,
	})
	require.NoError(t, err)
	id := c.Meta().ID

	require.NoError(t, lc.UnregisterSingle(context.Background(), id))
	assert.Equal(t, 0, coord.Refs(70))
	assert.Equal(t, 1, store.deletedWrites(id))

	assert.ErrorIs(t, lc.UnregisterSingle(context.Background(), id), ErrNotFound)
	assert.ErrorIs(t, lc.UnregisterSingle(context.Background(), "missing"), ErrNotFound)
}
