// Package cyclewindow computes the half-open reset window a period-scoped
// meter is currently inside. Every function here is pure and total: same
// inputs, same output, no side effects, no error return: a config with no
// recurring window yields the whole effective range as one window.
package cyclewindow

import (
	"time"

	"github.com/unprice/entitlements/internal/entitlement/domain"
)

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether both bounds are unset. Compute never returns a
// zero Window: the onetime/lifetime case yields the whole effective range.
func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// Contains reports whether t falls inside the half-open window.
func (w Window) Contains(t time.Time) bool {
	if w.IsZero() {
		return false
	}
	return !t.Before(w.Start) && t.Before(w.End)
}

// Compute maps a reset config + the grant's effective range + now to the
// current cycle window. A nil config (lifetime-scoped feature) or
// planType=onetime both yield the whole effective range as a single
// window with no further advancement.
func Compute(effectiveStart time.Time, effectiveEnd *time.Time, now time.Time, cfg *domain.ResetConfig) Window {
	end := farFuture
	if effectiveEnd != nil {
		end = *effectiveEnd
	}
	if cfg == nil || cfg.PlanType == "onetime" {
		return Window{Start: effectiveStart, End: end}
	}

	step := intervalDuration(cfg.ResetInterval, cfg.ResetIntervalCount)
	if step <= 0 {
		return Window{Start: effectiveStart, End: end}
	}

	anchor := effectiveStart
	if cfg.ResetAnchor > 0 {
		anchor = time.UnixMilli(cfg.ResetAnchor).UTC()
	}

	start := advanceToContain(anchor, step, cfg.ResetInterval, now)
	next := advance(start, step, cfg.ResetInterval)

	if start.Before(effectiveStart) {
		start = effectiveStart
	}
	if next.After(end) {
		next = end
	}
	return Window{Start: start, End: next}
}

// farFuture stands in for an open-ended (no expiresAt) grant range.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// intervalDuration returns the number of calendar units per step for a
// known unit (count, or 1 when count <= 0) and 0 for an unknown unit;
// advance applies the step through time.Add or time.AddDate.
func intervalDuration(unit string, count int) int {
	if count <= 0 {
		count = 1
	}
	switch unit {
	case "minute", "hour", "day", "week", "month", "year":
		return count
	default:
		return 0
	}
}

// advance moves t forward by one step of the given calendar unit.
func advance(t time.Time, count int, unit string) time.Time {
	switch unit {
	case "minute":
		return t.Add(time.Duration(count) * time.Minute)
	case "hour":
		return t.Add(time.Duration(count) * time.Hour)
	case "day":
		return t.AddDate(0, 0, count)
	case "week":
		return t.AddDate(0, 0, 7*count)
	case "month":
		return t.AddDate(0, count, 0)
	case "year":
		return t.AddDate(count, 0, 0)
	default:
		return t
	}
}

// advanceToContain returns the start of the cycle that contains now,
// walking forward from anchor in calendar-unit steps. It is monotonic and
// makes no attempt at DST smoothing beyond this forward walk.
func advanceToContain(anchor time.Time, count int, unit string, now time.Time) time.Time {
	if !now.After(anchor) {
		return anchor
	}
	cur := anchor
	for {
		next := advance(cur, count, unit)
		if next.After(now) {
			return cur
		}
		cur = next
	}
}
