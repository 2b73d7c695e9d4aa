package ratelimit

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	at     time.Time
	member string
}

// MemoryLimiter keeps windows in process memory. It is only correct when a
// single worker process sends for the sequence.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string][]entry
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string][]entry)}
}

var _ Limiter = (*MemoryLimiter)(nil)

func (l *MemoryLimiter) Reserve(_ context.Context, key string, limits []Limit, now time.Time, member string) (Reservation, error) {
	if len(limits) == 0 {
		return Reservation{Allowed: true}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	// entries are kept in reservation order; drop what no window can see
	cutoff := now.Add(-horizon(limits))
	bucket := l.buckets[key]
	kept := bucket[:0]
	for _, e := range bucket {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	bucket = kept

	var retry time.Time
	for _, lim := range limits {
		start := now.Add(-lim.Window)
		var inWindow []entry
		for _, e := range bucket {
			if e.at.After(start) {
				inWindow = append(inWindow, e)
			}
		}
		if len(inWindow) >= lim.Max {
			free := inWindow[len(inWindow)-lim.Max].at.Add(lim.Window)
			if free.After(retry) {
				retry = free
			}
		}
	}
	if !retry.IsZero() {
		l.buckets[key] = bucket
		return Reservation{RetryAt: retry}, nil
	}

	l.buckets[key] = insertSorted(bucket, entry{at: now, member: member})
	return Reservation{Allowed: true}, nil
}

func insertSorted(bucket []entry, e entry) []entry {
	i := len(bucket)
	for i > 0 && bucket[i-1].at.After(e.at) {
		i--
	}
	bucket = append(bucket, entry{})
	copy(bucket[i+1:], bucket[i:])
	bucket[i] = e
	return bucket
}

func (l *MemoryLimiter) Release(_ context.Context, key, member string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket := l.buckets[key]
	for i, e := range bucket {
		if e.member == member {
			l.buckets[key] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	return nil
}
