// Package schedule decides whether a cron schedule is due inside the current dispatch window.
package schedule

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"
)

// DispatchWindow is how long after a cron boundary a scan may still fire it.
const DispatchWindow = 60 * time.Second

// ErrNoBoundary is returned when a cron expression never matched in the searched past.
var ErrNoBoundary = errors.New("no cron boundary in range")

// searchWindows bound the backward search for the previous boundary. The last window covers
// expressions that only match on leap days.
var searchWindows = []time.Duration{
	2 * time.Minute,
	2 * time.Hour,
	50 * time.Hour,
	32 * 24 * time.Hour,
	367 * 24 * time.Hour,
	9 * 366 * 24 * time.Hour,
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Evaluator evaluates cron expressions in a timezone.
type Evaluator struct {
	logger    *slog.Logger
	locations *cache.Cache
}

// NewEvaluator creates an evaluator that logs expression errors to logger.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{
		logger:    logger.With("module", "cron_evaluator"),
		locations: cache.New(cache.NoExpiration, 0),
	}
}

// ShouldTrigger reports whether now falls inside the dispatch window of the latest boundary of
// cronExpr at or before now, evaluated in timezone, and lastExecution (if any) precedes that boundary.
// Invalid expressions or timezones never trigger.
func (e *Evaluator) ShouldTrigger(cronExpr, timezone string, lastExecution *time.Time, now time.Time) bool {
	prev, err := e.PrevBoundary(cronExpr, timezone, now)
	if err != nil {
		e.logger.Error("Failed to evaluate cron expression",
			"cron_expression", cronExpr,
			"timezone", timezone,
			"error", err)

		return false
	}

	delta := now.Sub(prev)
	if delta < 0 || delta >= DispatchWindow {
		return false
	}

	if lastExecution == nil {
		return true
	}

	return lastExecution.UnixMilli() < prev.UnixMilli()
}

// PrevBoundary returns the latest instant at or before now scheduled by cronExpr in timezone.
func (e *Evaluator) PrevBoundary(cronExpr, timezone string, now time.Time) (time.Time, error) {
	loc, err := e.location(timezone)
	if err != nil {
		return time.Time{}, err
	}

	sched, err := parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	local := now.In(loc)

	for _, window := range searchWindows {
		candidate := sched.Next(local.Add(-window))
		if candidate.IsZero() || candidate.After(local) {
			continue
		}

		for {
			next := sched.Next(candidate)
			if next.IsZero() || next.After(local) {
				return candidate, nil
			}

			candidate = next
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrNoBoundary, cronExpr)
}

// Validate checks that cronExpr and timezone can be evaluated.
func (e *Evaluator) Validate(cronExpr, timezone string) error {
	if _, err := e.location(timezone); err != nil {
		return err
	}

	if _, err := parser.Parse(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	return nil
}

func (e *Evaluator) location(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}

	if cached, found := e.locations.Get(timezone); found {
		return cached.(*time.Location), nil
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	e.locations.Set(timezone, loc, cache.NoExpiration)

	return loc, nil
}
