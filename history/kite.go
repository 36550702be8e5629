// Package history supplies closed candle bars to the touch evaluator, backed
// by the Kite Connect historical data API with an interval-bucket cache in
// front of it.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"github.com/tickline/tickline/engine"
)

// Gateway loads bars from the broker's historical data API. Implementations
// return bars oldest to newest, strictly within [from, to], and never include
// a still-forming bar.
type Gateway interface {
	LoadBars(ctx context.Context, token uint32, iv engine.Interval, from, to time.Time) ([]engine.Bar, error)
}

// Kite is a Gateway over the Kite Connect REST client. Week, month and year
// bars are aggregated from day bars since the API does not serve them.
type Kite struct {
	client *kiteconnect.Client
	loc    *time.Location
	now    func() time.Time
}

// NewKite creates a Kite history gateway. Bucket boundaries are computed in loc.
func NewKite(client *kiteconnect.Client, loc *time.Location) *Kite {
	return &Kite{client: client, loc: loc, now: time.Now}
}

// LoadBars implements Gateway.
func (k *Kite) LoadBars(_ context.Context, token uint32, iv engine.Interval, from, to time.Time) ([]engine.Bar, error) {
	apiInterval, native := kiteInterval(iv)
	fetchIv := iv
	if !native {
		fetchIv = engine.IntervalDay
	}

	data, err := k.client.GetHistoricalData(int(token), apiInterval, from, to, false, false)
	if err != nil {
		return nil, fmt.Errorf("historical data %d/%s: %w", token, iv, err)
	}

	bars := make([]engine.Bar, 0, len(data))
	for _, d := range data {
		bars = append(bars, engine.Bar{
			Start:  fetchIv.BucketStart(d.Date.Time, k.loc),
			Open:   decimal.NewFromFloat(d.Open),
			High:   decimal.NewFromFloat(d.High),
			Low:    decimal.NewFromFloat(d.Low),
			Close:  decimal.NewFromFloat(d.Close),
			Volume: int64(d.Volume),
		})
	}
	if !native {
		bars = aggregate(bars, iv, k.loc)
	}

	// The API hands back the bucket that is still forming; the evaluator
	// must only ever see closed bars.
	cut := iv.BucketStart(k.now().In(k.loc), k.loc)
	out := bars[:0]
	for _, b := range bars {
		if b.Start.Before(cut) && !b.Start.Before(iv.BucketStart(from, k.loc)) && !b.Start.After(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

// kiteInterval maps an engine interval to its API parameter. The second
// return is false when day bars must be aggregated client-side.
func kiteInterval(iv engine.Interval) (string, bool) {
	switch iv {
	case engine.IntervalMinute:
		return "minute", true
	case engine.IntervalHour:
		return "60minute", true
	case engine.IntervalDay:
		return "day", true
	default:
		return "day", false
	}
}

// aggregate folds day bars into week/month/year buckets.
func aggregate(day []engine.Bar, iv engine.Interval, loc *time.Location) []engine.Bar {
	var out []engine.Bar
	for _, b := range day {
		start := iv.BucketStart(b.Start, loc)
		if len(out) == 0 || !out[len(out)-1].Start.Equal(start) {
			nb := b
			nb.Start = start
			out = append(out, nb)
			continue
		}
		last := &out[len(out)-1]
		if b.High.GreaterThan(last.High) {
			last.High = b.High
		}
		if b.Low.LessThan(last.Low) {
			last.Low = b.Low
		}
		last.Close = b.Close
		last.Volume += b.Volume
	}
	return out
}
