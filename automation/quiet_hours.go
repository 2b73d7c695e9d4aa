package automation

import (
	"fmt"
	"time"

	"reviewflow/models"
)

// QuietHours is a daily window [Start, End) in which sends are deferred.
// Offsets are from local midnight; Start > End wraps past midnight and
// Start == End disables the window.
type QuietHours struct {
	Start time.Duration
	End   time.Duration
	set   bool
}

func ParseTimeOfDay(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("time of day %q must be HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// ParseQuietHours reads the sequence settings. Both ends or neither must be set.
func ParseQuietHours(start, end *string) (QuietHours, error) {
	if start == nil && end == nil {
		return QuietHours{}, nil
	}
	if start == nil || end == nil {
		return QuietHours{}, fmt.Errorf("quiet hours need both a start and an end")
	}
	s, err := ParseTimeOfDay(*start)
	if err != nil {
		return QuietHours{}, err
	}
	e, err := ParseTimeOfDay(*end)
	if err != nil {
		return QuietHours{}, err
	}
	return QuietHours{Start: s, End: e, set: true}, nil
}

func QuietHoursFor(seq *models.Sequence) (QuietHours, error) {
	return ParseQuietHours(seq.QuietHoursStart, seq.QuietHoursEnd)
}

func (q QuietHours) Enabled() bool {
	return q.set && q.Start != q.End
}

// Deferral reports whether now falls inside the window, evaluated in loc,
// and if so returns the instant the window ends.
func (q QuietHours) Deferral(now time.Time, loc *time.Location) (time.Time, bool) {
	if !q.Enabled() {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	tod := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())

	if q.Start < q.End {
		if tod >= q.Start && tod < q.End {
			return atOffset(local, q.End), true
		}
		return time.Time{}, false
	}

	if tod >= q.Start {
		return atOffset(local.AddDate(0, 0, 1), q.End), true
	}
	if tod < q.End {
		return atOffset(local, q.End), true
	}
	return time.Time{}, false
}

// Contains reports whether t falls inside the window.
func (q QuietHours) Contains(t time.Time, loc *time.Location) bool {
	_, inside := q.Deferral(t, loc)
	return inside
}

func atOffset(day time.Time, offset time.Duration) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		int(offset/time.Hour), int(offset%time.Hour/time.Minute), 0, 0, day.Location())
}
