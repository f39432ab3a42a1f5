package importer

import (
	"fmt"
	"time"
)

// WindowPolicy decides how existing history sizes the backfill window.
type WindowPolicy string

const (
	// WindowBounded never fetches further back than the oldest last-recorded
	// point once every statistic has history, and at most the backfill days.
	WindowBounded WindowPolicy = "bounded"
	// WindowExtended grows the window to reach the oldest last-recorded point
	// when it lies further back than the backfill days.
	WindowExtended WindowPolicy = "extended"
)

// ParseWindowPolicy parses a policy name.
func ParseWindowPolicy(s string) (WindowPolicy, error) {
	switch p := WindowPolicy(s); p {
	case WindowBounded, WindowExtended:
		return p, nil
	default:
		return "", fmt.Errorf("unknown window policy %q", s)
	}
}

// Days returns the calendar days to fetch, oldest first. Today is never part
// of the window.
func (i *Importer) Days(b Baseline) []time.Time {
	today := startOfDay(i.now(), i.location)
	n := windowLength(today, b, i.backfillDays, i.policy, i.location)

	days := make([]time.Time, 0, n)
	for k := n; k >= 1; k-- {
		days = append(days, today.AddDate(0, 0, -k))
	}
	return days
}

func windowLength(today time.Time, b Baseline, backfillDays int, policy WindowPolicy, loc *time.Location) int {
	if !b.HasHistory() {
		return backfillDays
	}
	since := daysBetween(startOfDay(b.Oldest, loc), today)

	switch policy {
	case WindowExtended:
		return max(backfillDays, since)
	default:
		if !b.Complete {
			return backfillDays
		}
		return min(max(since, 1), backfillDays)
	}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// daysBetween counts calendar days from a to b, ignoring DST shifts.
func daysBetween(a, b time.Time) int {
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}
