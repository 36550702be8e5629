// Package feed adapts the Kite WebSocket ticker to the engine's quote feed
// port. It keeps the desired instrument set across reconnects and tracks the
// previously observed price per instrument so the evaluator can detect
// crossings.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"github.com/tickline/tickline/engine"
)

// TickHandler receives normalized ticks. It must not block; the engine's
// dispatcher hands the tick off to a shard channel immediately.
type TickHandler func(engine.Tick)

// Kite is a single-connection WebSocket feed implementing engine.QuoteFeed.
type Kite struct {
	ticker  *kiteticker.Ticker
	handler TickHandler
	logger  *slog.Logger
	cancel  context.CancelFunc

	mu        sync.RWMutex
	connected bool
	desired   map[uint32]struct{}
	last      map[uint32]decimal.Decimal
}

// NewKite creates the feed. The connection is not opened until Start.
func NewKite(apiKey, accessToken string, handler TickHandler, logger *slog.Logger) *Kite {
	if logger == nil {
		logger = slog.Default()
	}
	t := kiteticker.New(apiKey, accessToken)
	t.SetAutoReconnect(true)
	t.SetReconnectMaxRetries(300)

	f := &Kite{
		ticker:  t,
		handler: handler,
		logger:  logger,
		desired: make(map[uint32]struct{}),
		last:    make(map[uint32]decimal.Decimal),
	}

	t.OnConnect(f.onConnect)
	t.OnTick(f.onTick)
	t.OnError(func(err error) {
		f.logger.Error("Ticker error", "error", err)
	})
	t.OnClose(func(code int, reason string) {
		f.mu.Lock()
		f.connected = false
		f.mu.Unlock()
		f.logger.Info("Ticker closed", "code", code, "reason", reason)
	})
	t.OnReconnect(func(attempt int, delay time.Duration) {
		f.logger.Info("Ticker reconnecting", "attempt", attempt, "delay", delay)
	})
	t.OnNoReconnect(func(attempt int) {
		f.logger.Warn("Ticker gave up reconnecting", "attempts", attempt)
	})
	return f
}

// Start opens the WebSocket connection and serves it on a goroutine until
// Stop is called.
func (f *Kite) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		f.logger.Info("Starting ticker")
		f.ticker.ServeWithContext(ctx)
		f.logger.Info("Ticker serve exited")
	}()
}

// Stop closes the connection.
func (f *Kite) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
}

// Subscribe implements engine.QuoteFeed. Tokens are remembered and
// re-applied on reconnect; when the socket is down the subscribe succeeds
// locally and is applied in the connect callback.
func (f *Kite) Subscribe(tokens []uint32) error {
	f.mu.Lock()
	for _, tok := range tokens {
		f.desired[tok] = struct{}{}
		// Fresh subscription: the first tick must not report a previous
		// price left over from an earlier watch.
		delete(f.last, tok)
	}
	connected := f.connected
	f.mu.Unlock()

	if !connected {
		return nil
	}
	if err := f.ticker.Subscribe(tokens); err != nil {
		return err
	}
	return f.ticker.SetMode(kiteticker.ModeLTP, tokens)
}

// Unsubscribe implements engine.QuoteFeed.
func (f *Kite) Unsubscribe(tokens []uint32) error {
	f.mu.Lock()
	for _, tok := range tokens {
		delete(f.desired, tok)
		delete(f.last, tok)
	}
	connected := f.connected
	f.mu.Unlock()

	if !connected {
		return nil
	}
	return f.ticker.Unsubscribe(tokens)
}

// UnsubscribeAll implements engine.QuoteFeed: one upstream call for the
// whole desired set, used at market close.
func (f *Kite) UnsubscribeAll() error {
	f.mu.Lock()
	tokens := make([]uint32, 0, len(f.desired))
	for tok := range f.desired {
		tokens = append(tokens, tok)
	}
	f.desired = make(map[uint32]struct{})
	f.last = make(map[uint32]decimal.Decimal)
	connected := f.connected
	f.mu.Unlock()

	if !connected || len(tokens) == 0 {
		return nil
	}
	return f.ticker.Unsubscribe(tokens)
}

func (f *Kite) onConnect() {
	f.mu.Lock()
	f.connected = true
	tokens := make([]uint32, 0, len(f.desired))
	for tok := range f.desired {
		tokens = append(tokens, tok)
	}
	f.mu.Unlock()

	f.logger.Info("Ticker connected", "instruments", len(tokens))
	if len(tokens) == 0 {
		return
	}
	if err := f.ticker.Subscribe(tokens); err != nil {
		f.logger.Error("Resubscribe on connect failed", "error", err)
		return
	}
	if err := f.ticker.SetMode(kiteticker.ModeLTP, tokens); err != nil {
		f.logger.Error("Set mode on connect failed", "error", err)
	}
}

func (f *Kite) onTick(kt models.Tick) {
	price := decimal.NewFromFloat(kt.LastPrice)

	f.mu.Lock()
	if _, want := f.desired[kt.InstrumentToken]; !want {
		// Late tick for an instrument released mid-flight.
		f.mu.Unlock()
		return
	}
	prev, hasPrev := f.last[kt.InstrumentToken]
	f.last[kt.InstrumentToken] = price
	f.mu.Unlock()

	at := kt.Timestamp.Time
	if at.IsZero() {
		at = time.Now()
	}
	f.handler(engine.Tick{
		Token:   kt.InstrumentToken,
		Price:   price,
		Prev:    prev,
		HasPrev: hasPrev,
		At:      at,
	})
}
