package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeFeed records upstream subscription calls.
type fakeFeed struct {
	mu              sync.Mutex
	subscribes      [][]uint32
	unsubscribes    [][]uint32
	unsubscribeAlls int
	err             error
}

func (f *fakeFeed) Subscribe(tokens []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, append([]uint32(nil), tokens...))
	return f.err
}

func (f *fakeFeed) Unsubscribe(tokens []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, append([]uint32(nil), tokens...))
	return f.err
}

func (f *fakeFeed) UnsubscribeAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribeAlls++
	return f.err
}

func (f *fakeFeed) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes)
}

func (f *fakeFeed) unsubscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unsubscribes)
}

// fakeBars serves canned history.
type fakeBars struct {
	recent func(token uint32, iv Interval, n int, before time.Time) ([]Bar, error)
	since  func(token uint32, iv Interval, anchor, before time.Time) ([]Bar, error)
}

func (f *fakeBars) RecentClosed(_ context.Context, token uint32, iv Interval, n int, before time.Time) ([]Bar, error) {
	if f.recent == nil {
		return nil, nil
	}
	return f.recent(token, iv, n, before)
}

func (f *fakeBars) SinceAnchor(_ context.Context, token uint32, iv Interval, anchor, before time.Time) ([]Bar, error) {
	if f.since == nil {
		return nil, nil
	}
	return f.since(token, iv, anchor, before)
}

// barsWithCloses builds consecutive day bars ending just before `end`.
func barsWithCloses(end time.Time, closes ...string) []Bar {
	out := make([]Bar, len(closes))
	for i, c := range closes {
		v := dec(c)
		out[i] = Bar{
			Start: end.AddDate(0, 0, i-len(closes)),
			Open:  v, High: v, Low: v, Close: v,
		}
	}
	return out
}

// fakeStore is an in-memory Store with call counters.
type fakeStore struct {
	mu        sync.Mutex
	saved     map[string]Condition
	active    []Condition
	succeeded map[string]int
	deleted   map[string]int
	saveErr   error
	loadErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		saved:     make(map[string]Condition),
		succeeded: make(map[string]int),
		deleted:   make(map[string]int),
	}
}

func (s *fakeStore) Save(_ context.Context, c Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved[c.Meta().ID] = c
	return nil
}

func (s *fakeStore) FindByID(_ context.Context, id string) (Condition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.saved[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) FindAllActive(_ context.Context) ([]Condition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return append([]Condition(nil), s.active...), nil
}

func (s *fakeStore) MarkSucceeded(_ context.Context, id string, _, _ decimal.Decimal, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded[id]++
	return s.succeeded[id] == 1, nil
}

func (s *fakeStore) MarkDeleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted[id]++
	return nil
}

func (s *fakeStore) succeededWrites(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeeded[id]
}

func (s *fakeStore) deletedWrites(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted[id]
}

// fakeNotifier collects sent messages.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *fakeNotifier) Send(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, text)
	return nil
}

func (n *fakeNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

func maCond(id string, token uint32, period int, dir Direction) MovingAverage {
	return MovingAverage{
		Base: Base{
			ID:        id,
			Token:     token,
			Symbol:    "NSE:TEST",
			Interval:  IntervalDay,
			Direction: dir,
			CreatedAt: time.Now(),
		},
		Period: period,
	}
}

func tlCond(id string, token uint32, anchor time.Time, slope string, dir Direction) TrendLine {
	return TrendLine{
		Base: Base{
			ID:        id,
			Token:     token,
			Symbol:    "NSE:TEST",
			Interval:  IntervalDay,
			Direction: dir,
			CreatedAt: time.Now(),
		},
		Anchor: anchor,
		Slope:  dec(slope),
	}
}
