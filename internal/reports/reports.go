// Package reports runs cron-scheduled prompts: standing questions the
// operator wants the agent to answer into a channel on a schedule,
// independent of chat traffic.
package reports

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/gorpbot/gorp/internal/activity"
	"github.com/gorpbot/gorp/internal/config"
)

// pollInterval is how often the runner re-evaluates the cron table. Cron
// is minute-granular; polling faster than once a minute means a due
// minute is never skipped, and the per-minute dedupe stops double fires.
const pollInterval = 20 * time.Second

// Runner evaluates configured report jobs against the clock and relays
// due prompts to the agent. Jobs are re-read from config on every pass,
// so config reloads take effect without a restart.
type Runner struct {
	cfg     *config.Config
	limiter *activity.Limiter
	sender  activity.Sender

	mu      sync.Mutex
	lastRun map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	nowFn func() time.Time
}

// NewRunner builds the runner and surfaces cron typos immediately rather
// than as silently never-firing jobs.
func NewRunner(cfg *config.Config, limiter *activity.Limiter, sender activity.Sender) *Runner {
	gron := gronx.New()
	for _, job := range cfg.ReportJobs() {
		if job.Cron == "" || !gron.IsValid(job.Cron) {
			slog.Warn("report has an invalid cron expression and will never run",
				"report", job.Name, "cron", job.Cron)
		}
	}

	return &Runner{
		cfg:     cfg,
		limiter: limiter,
		sender:  sender,
		lastRun: make(map[string]time.Time),
		nowFn:   time.Now,
	}
}

// Start launches the polling loop. Stop cancels it and waits.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.run(ctx)

	slog.Info("report runner started", "jobs", len(r.cfg.ReportJobs()))
}

// Stop halts the loop. Safe to call without Start.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, r.nowFn())
		}
	}
}

// runOnce dispatches every job whose cron matches now's minute and has
// not already fired in it. The forwarding gate covers reports too: while
// paused nothing reaches the agent, scheduled or not.
func (r *Runner) runOnce(ctx context.Context, now time.Time) {
	jobs := r.cfg.ReportJobs()
	if len(jobs) == 0 {
		return
	}
	if !r.cfg.ForwardingEnabled() {
		return
	}

	gron := gronx.New()
	minute := now.Truncate(time.Minute)

	for _, job := range jobs {
		if job.Cron == "" || job.ChannelID == "" || job.Prompt == "" {
			continue
		}

		due, err := gron.IsDue(job.Cron, now)
		if err != nil {
			slog.Warn("report cron evaluation failed", "report", job.Name, "cron", job.Cron, "error", err)
			continue
		}
		if !due {
			continue
		}

		key := jobKey(job)
		r.mu.Lock()
		fired := r.lastRun[key].Equal(minute)
		if !fired {
			r.lastRun[key] = minute
		}
		r.mu.Unlock()
		if fired {
			continue
		}

		r.dispatch(ctx, job)
	}
}

// dispatch relays one due job. Reports spend the same hourly send budget
// as relay traffic; an exhausted budget skips the occurrence rather than
// queueing it.
func (r *Runner) dispatch(ctx context.Context, job config.ReportConfig) {
	if !r.limiter.CanSendMessage() {
		slog.Info("report skipped: send budget exhausted", "report", job.Name)
		return
	}

	text := fmt.Sprintf("[scheduled report: %s] %s", reportName(job), job.Prompt)
	if err := r.sender.Send(ctx, job.ChannelID, text, nil); err != nil {
		slog.Warn("report send failed", "report", job.Name, "channel_id", job.ChannelID, "error", err)
		return
	}

	r.limiter.RecordMessageSent()
	slog.Info("report dispatched", "report", job.Name, "channel_id", job.ChannelID)
}

func jobKey(job config.ReportConfig) string {
	if job.Name != "" {
		return job.Name
	}
	return job.ChannelID + "|" + job.Cron
}

func reportName(job config.ReportConfig) string {
	if job.Name != "" {
		return job.Name
	}
	return "unnamed"
}
