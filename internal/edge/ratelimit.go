package edge

import (
	"sync"
	"time"
)

// Outcome is the result of one rate-limit hit.
type Outcome struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type limitEntry struct {
	timestamps   []int64 // epoch ms, trimmed to the window on every hit
	blockedUntil int64
}

// Limiter is a sliding-window rate limiter with a flat block penalty.
// Exceeding the limit imposes a fixed cooldown rather than decaying refills,
// which punishes burst abuse harder and bounds memory: each key stores at
// most `limit` timestamps. While blocked, hits short-circuit without touching
// the timestamp list, so retrying cannot extend or erase a block.
type Limiter struct {
	window        time.Duration
	limit         int
	blockDuration time.Duration

	mu         sync.Mutex
	entries    map[string]*limitEntry
	lastPruned int64
}

// NewLimiter builds a limiter. blockDuration defaults to the window when
// non-positive, matching the behavior clients are calibrated against.
func NewLimiter(window time.Duration, limit int, blockDuration time.Duration) *Limiter {
	if blockDuration <= 0 {
		blockDuration = window
	}
	return &Limiter{
		window:        window,
		limit:         limit,
		blockDuration: blockDuration,
		entries:       make(map[string]*limitEntry),
	}
}

// Hit records one event for key and reports whether it is allowed. A denied
// hit is a local, recoverable condition; callers surface RetryAfter to the
// client and never treat it as fatal.
func (l *Limiter) Hit(key string, now time.Time) Outcome {
	nowMs := now.UnixMilli()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneStaleLocked(nowMs)

	entry := l.entries[key]
	if entry == nil {
		entry = &limitEntry{}
		l.entries[key] = entry
	}

	if entry.blockedUntil > nowMs {
		return Outcome{RetryAfter: time.Duration(entry.blockedUntil-nowMs) * time.Millisecond}
	}

	cutoff := nowMs - l.window.Milliseconds()
	kept := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	entry.timestamps = kept

	if len(entry.timestamps) >= l.limit {
		entry.blockedUntil = nowMs + l.blockDuration.Milliseconds()
		return Outcome{RetryAfter: l.blockDuration}
	}

	entry.timestamps = append(entry.timestamps, nowMs)
	remaining := l.limit - len(entry.timestamps)
	if remaining < 0 {
		remaining = 0
	}
	return Outcome{Allowed: true, Remaining: remaining}
}

// pruneStaleLocked drops keys whose window has fully drained and whose block
// has lifted, at most once per window interval, so one-shot visitors do not
// accumulate forever.
func (l *Limiter) pruneStaleLocked(nowMs int64) {
	windowMs := l.window.Milliseconds()
	if l.lastPruned != 0 && nowMs-l.lastPruned < windowMs {
		return
	}
	cutoff := nowMs - windowMs
	for key, entry := range l.entries {
		if entry.blockedUntil > nowMs {
			continue
		}
		stale := true
		for _, ts := range entry.timestamps {
			if ts > cutoff {
				stale = false
				break
			}
		}
		if stale {
			delete(l.entries, key)
		}
	}
	l.lastPruned = nowMs
}
