// Package ratelimit enforces per-sequence send caps over sliding windows.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"reviewflow/models"
)

// Limit caps the number of reservations inside any window of the given length.
type Limit struct {
	Window time.Duration
	Max    int
}

// Reservation is the outcome of Reserve. RetryAt is set when the slot was
// refused and is the earliest instant at which every violated window frees up.
type Reservation struct {
	Allowed bool
	RetryAt time.Time
}

// Limiter reserves send slots. A reservation is granted only if every limit
// has room, and granting it consumes a slot in all of them at once.
type Limiter interface {
	Reserve(ctx context.Context, key string, limits []Limit, now time.Time, member string) (Reservation, error)
	Release(ctx context.Context, key, member string) error
}

// LimitsFor returns the configured caps of a sequence, or nil when it has none.
func LimitsFor(seq *models.Sequence) []Limit {
	var limits []Limit
	if seq.RatePerHour != nil && *seq.RatePerHour > 0 {
		limits = append(limits, Limit{Window: time.Hour, Max: *seq.RatePerHour})
	}
	if seq.RatePerDay != nil && *seq.RatePerDay > 0 {
		limits = append(limits, Limit{Window: 24 * time.Hour, Max: *seq.RatePerDay})
	}
	return limits
}

// Key is the limiter bucket for a sequence.
func Key(sequenceID uint) string {
	return fmt.Sprintf("reviewflow:ratelimit:sequence:%d", sequenceID)
}

func horizon(limits []Limit) time.Duration {
	var h time.Duration
	for _, l := range limits {
		if l.Window > h {
			h = l.Window
		}
	}
	return h
}
