package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler owns the digest timer: one goroutine waking every batch
// interval to run an eligibility pass over the tracker's channels. The
// owner flush command reuses the same pass through RunNow rather than
// draining channels itself.
type Scheduler struct {
	tracker  *Tracker
	interval time.Duration

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler wires a scheduler to tracker. A non-positive interval falls
// back to DefaultBatchInterval.
func NewScheduler(tracker *Tracker, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultBatchInterval
	}
	return &Scheduler{
		tracker:  tracker,
		interval: interval,
		kick:     make(chan struct{}, 1),
	}
}

// Start launches the timer goroutine. Pair with Stop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run(ctx)

	slog.Info("digest scheduler started", "interval", s.interval)
}

// Stop cancels the timer goroutine and waits for any in-flight pass to
// return. Safe to call without a prior Start.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	slog.Info("digest scheduler stopped")
}

// RunNow requests an out-of-band digest pass, identical to a timer tick.
// Requests coalesce while a pass is already queued.
func (s *Scheduler) RunNow() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tracker.FlushEligible(ctx)
		case <-s.kick:
			s.tracker.FlushEligible(ctx)
		}
	}
}
