package activity

import (
	"sync"
	"time"
)

// rateWindow is the trailing interval over which the send budget applies.
const rateWindow = time.Hour

// Limiter is the global sliding-window admission controller for outbound
// agent sends. It keeps the exact timestamps of recent sends and purges
// entries lazily on every query, so admission is precise with respect to
// the rolling hour rather than approximated by fixed buckets.
//
// Callers must pair the two halves themselves: check CanSendMessage, perform
// the send, then call RecordMessageSent exactly once on success. The limiter
// never blocks.
type Limiter struct {
	mu         sync.Mutex
	maxPerHour int
	sent       []time.Time

	// nowFn is replaced in tests to control time.
	nowFn func() time.Time
}

// LimiterStatus is a point-in-time view of the admission window.
type LimiterStatus struct {
	InWindow   int       // sends recorded within the trailing window
	MaxPerHour int       // configured budget
	Remaining  int       // sends still admissible right now
	ResetAt    time.Time // when the oldest recorded send leaves the window
}

// NewLimiter returns a limiter admitting at most maxPerHour sends per
// trailing hour. Non-positive caps fall back to DefaultMaxPerHour.
func NewLimiter(maxPerHour int) *Limiter {
	if maxPerHour <= 0 {
		maxPerHour = DefaultMaxPerHour
	}
	return &Limiter{maxPerHour: maxPerHour}
}

func (l *Limiter) now() time.Time {
	if l.nowFn != nil {
		return l.nowFn()
	}
	return time.Now()
}

// purge drops timestamps strictly older than the window. Caller holds mu.
func (l *Limiter) purge(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(l.sent) && l.sent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.sent = append(l.sent[:0], l.sent[i:]...)
	}
}

// CanSendMessage reports whether the window currently admits another send.
// It purges stale entries first; beyond that it has no side effects.
func (l *Limiter) CanSendMessage() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purge(l.now())
	return len(l.sent) < l.maxPerHour
}

// RecordMessageSent appends the current time to the window. Call exactly
// once per successful send, after CanSendMessage admitted the attempt.
func (l *Limiter) RecordMessageSent() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, l.now())
}

// Status returns the current window occupancy. ResetAt is the moment the
// oldest retained send ages out (opening one slot); with an empty window it
// is simply now.
func (l *Limiter) Status() LimiterStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.purge(now)

	st := LimiterStatus{
		InWindow:   len(l.sent),
		MaxPerHour: l.maxPerHour,
		Remaining:  l.maxPerHour - len(l.sent),
		ResetAt:    now,
	}
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	if len(l.sent) > 0 {
		st.ResetAt = l.sent[0].Add(rateWindow)
	}
	return st
}

// TimeUntilReset returns whole minutes until ResetAt, rounded up and floored
// at zero. Meant for status reporting, not for admission decisions.
func (l *Limiter) TimeUntilReset() int {
	st := l.Status()
	d := st.ResetAt.Sub(l.now())
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}
