package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Interval is the candle granularity a condition is evaluated against.
type Interval string

const (
	IntervalMinute Interval = "minute"
	IntervalHour   Interval = "hour"
	IntervalDay    Interval = "day"
	IntervalWeek   Interval = "week"
	IntervalMonth  Interval = "month"
	IntervalYear   Interval = "year"
)

// ParseInterval validates and returns an Interval from its wire form.
func ParseInterval(s string) (Interval, bool) {
	iv := Interval(s)
	return iv, iv.valid()
}

func (iv Interval) valid() bool {
	switch iv {
	case IntervalMinute, IntervalHour, IntervalDay, IntervalWeek, IntervalMonth, IntervalYear:
		return true
	}
	return false
}

// Duration returns the nominal width of one bar. Calendar intervals are
// approximate; use BucketStart for exact bucket boundaries.
func (iv Interval) Duration() time.Duration {
	switch iv {
	case IntervalMinute:
		return time.Minute
	case IntervalHour:
		return time.Hour
	case IntervalDay:
		return 24 * time.Hour
	case IntervalWeek:
		return 7 * 24 * time.Hour
	case IntervalMonth:
		return 30 * 24 * time.Hour
	case IntervalYear:
		return 365 * 24 * time.Hour
	}
	return 0
}

// BucketStart returns the start of the interval bucket containing t, in loc.
// Weeks start on Monday; months and years on the first.
func (iv Interval) BucketStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	switch iv {
	case IntervalMinute:
		return t.Truncate(time.Minute)
	case IntervalHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	case IntervalDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	case IntervalWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		offset := (int(day.Weekday()) + 6) % 7 // Monday == 0
		return day.AddDate(0, 0, -offset)
	case IntervalMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	case IntervalYear:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, loc)
	}
	return t
}

// Direction specifies which way a price must cross the reference level.
type Direction string

const (
	DirectionUp     Direction = "UP"
	DirectionDown   Direction = "DOWN"
	DirectionEither Direction = "EITHER"
)

// ParseDirection validates and returns a Direction from its wire form.
func ParseDirection(s string) (Direction, bool) {
	d := Direction(s)
	return d, d.valid()
}

func (d Direction) valid() bool {
	switch d {
	case DirectionUp, DirectionDown, DirectionEither:
		return true
	}
	return false
}

// Status is a condition's lifecycle state. The only legal transitions are
// ACTIVE to SUCCEEDED and ACTIVE to DELETED, each at most once.
type Status int32

const (
	StatusActive Status = iota
	StatusSucceeded
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusDeleted:
		return "DELETED"
	}
	return "UNKNOWN"
}

// ParseStatus returns the Status for its persisted text form.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "ACTIVE":
		return StatusActive, true
	case "SUCCEEDED":
		return StatusSucceeded, true
	case "DELETED":
		return StatusDeleted, true
	}
	return StatusActive, false
}

// Kind discriminates the condition variants.
type Kind string

const (
	KindMovingAverage Kind = "MOVING_AVERAGE"
	KindTrendLine     Kind = "TREND_LINE"
)

// ParseKind validates and returns a Kind from its wire form.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	return k, k == KindMovingAverage || k == KindTrendLine
}

// Base carries the fields shared by every condition variant.
type Base struct {
	ID        string    `json:"id"`
	Token     uint32    `json:"instrument_token"`
	Symbol    string    `json:"symbol"` // "EXCHANGE:TRADINGSYMBOL", for humans
	Interval  Interval  `json:"interval"`
	Direction Direction `json:"direction"`
	Note      string    `json:"note,omitempty"`
	Status    Status    `json:"-"` // persisted snapshot; live truth is the registry entry
	CreatedAt time.Time `json:"created_at"`
}

// Meta returns the shared condition fields.
func (b Base) Meta() Base { return b }

// Condition is the closed set of touch conditions the engine can watch.
// Values are immutable once registered; the Registry owns the live status.
type Condition interface {
	Meta() Base
	Kind() Kind
	// validate closes the union: only variants in this package qualify.
	validate() error
}

// MovingAverage fires when the price crosses the arithmetic mean of the
// closes of the most recent Period fully-closed bars.
type MovingAverage struct {
	Base
	Period int `json:"period"`
}

func (c MovingAverage) Kind() Kind { return KindMovingAverage }

func (c MovingAverage) validate() error {
	if err := c.Base.validateBase(); err != nil {
		return err
	}
	if c.Period <= 0 {
		return &ValidationError{Field: "period", Reason: "must be positive"}
	}
	return nil
}

// TrendLine fires when the price crosses a line extrapolated from the anchor
// bar's close at a fixed slope per bar.
type TrendLine struct {
	Base
	Anchor time.Time       `json:"anchor"`
	Slope  decimal.Decimal `json:"slope"` // price change per bar, may be negative
}

func (c TrendLine) Kind() Kind { return KindTrendLine }

func (c TrendLine) validate() error {
	if err := c.Base.validateBase(); err != nil {
		return err
	}
	if c.Anchor.IsZero() {
		return &ValidationError{Field: "anchor", Reason: "must be set"}
	}
	return nil
}

func (b Base) validateBase() error {
	if b.ID == "" {
		return &ValidationError{Field: "id", Reason: "must be set"}
	}
	if b.Token == 0 {
		return &ValidationError{Field: "instrument_token", Reason: "must be set"}
	}
	if !b.Interval.valid() {
		return &ValidationError{Field: "interval", Reason: "unknown interval"}
	}
	if !b.Direction.valid() {
		return &ValidationError{Field: "direction", Reason: "unknown direction"}
	}
	return nil
}

// Tick is one live price update, normalized from the broker feed. Prev is the
// previously observed price for the same instrument; HasPrev is false on the
// first tick after a subscribe.
type Tick struct {
	Token   uint32
	Price   decimal.Decimal
	Prev    decimal.Decimal
	HasPrev bool
	At      time.Time
}

// Bar is one fully-closed OHLCV candle. Start is the bucket start time.
type Bar struct {
	Start  time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// OutcomeEvent describes a condition whose touch has been committed in
// memory and is awaiting the success pipeline.
type OutcomeEvent struct {
	ConditionID string
	Kind        Kind
	Token       uint32
	Symbol      string
	Direction   Direction
	Reference   decimal.Decimal
	Price       decimal.Decimal
	At          time.Time
}
