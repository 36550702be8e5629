// Package sched fires the market-session lifecycle operations at fixed
// wall-clock times. It is a collaborator of the engine, not part of it: all
// it knows is two callbacks and two times of day in one time zone.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TimeOfDay is a wall-clock time in the scheduler's zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var tod TimeOfDay
	if _, err := fmt.Sscanf(s, "%d:%d", &tod.Hour, &tod.Minute); err != nil {
		return TimeOfDay{}, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	if tod.Hour < 0 || tod.Hour > 23 || tod.Minute < 0 || tod.Minute > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day %q out of range", s)
	}
	return tod, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// on returns the TimeOfDay on day's date in loc.
func (t TimeOfDay) on(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, 0, 0, loc)
}

// Event is what the scheduler fires.
type Event int

const (
	EventOpen Event = iota
	EventClose
)

func (e Event) String() string {
	if e == EventOpen {
		return "open"
	}
	return "close"
}

// Scheduler fires onOpen at the open time and onClose at the close time,
// weekdays only, in loc.
type Scheduler struct {
	loc     *time.Location
	open    TimeOfDay
	close   TimeOfDay
	onOpen  func(context.Context)
	onClose func(context.Context)
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a scheduler. open must precede close within a day.
func New(loc *time.Location, open, close TimeOfDay, onOpen, onClose func(context.Context), logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if open.Hour*60+open.Minute >= close.Hour*60+close.Minute {
		return nil, fmt.Errorf("open %s must precede close %s", open, close)
	}
	return &Scheduler{
		loc:     loc,
		open:    open,
		close:   close,
		onOpen:  onOpen,
		onClose: onClose,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Run blocks, firing events until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		at, ev := s.Next(s.now())
		s.logger.Info("Next session event scheduled", "event", ev, "at", at)

		timer := time.NewTimer(at.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.logger.Info("Session event firing", "event", ev)
		if ev == EventOpen {
			s.onOpen(ctx)
		} else {
			s.onClose(ctx)
		}
	}
}

// Next returns the first event strictly after now. Weekend days are skipped.
func (s *Scheduler) Next(now time.Time) (time.Time, Event) {
	now = now.In(s.loc)
	day := now
	for {
		if isWeekday(day) {
			if at := s.open.on(day, s.loc); at.After(now) {
				return at, EventOpen
			}
			if at := s.close.on(day, s.loc); at.After(now) {
				return at, EventClose
			}
		}
		day = day.AddDate(0, 0, 1)
	}
}

func isWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}
