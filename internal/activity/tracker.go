package activity

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("gorp/activity")

// channelActivity is the per-channel state record, created lazily on the
// first observed message. The active flag is derived from the two
// interaction timestamps and recomputed wherever it matters; the stored
// value is only a cache for status reporting.
type channelActivity struct {
	label            string
	lastMentionAt    time.Time
	lastOwnMessageAt time.Time
	lastActivityAt   time.Time
	active           bool
	flushing         bool
	pending          pendingQueue
}

// TrackerConfig carries the tracked identity and the two timing knobs.
// Zero durations fall back to the defaults.
type TrackerConfig struct {
	Identity           Identity
	InteractionTimeout time.Duration
	BatchInterval      time.Duration
}

// Tracker owns the process-wide channel table and decides, per inbound
// message, between immediate relay and digest buffering. All sends, both
// paths, pass through the shared Limiter.
type Tracker struct {
	mu       sync.Mutex
	channels map[string]*channelActivity

	identity Identity
	aliasRe  *regexp.Regexp
	timeout  time.Duration
	interval time.Duration

	limiter *Limiter
	sender  Sender
	gate    Gate

	// nowFn is replaced in tests to control time.
	nowFn func() time.Time
}

// NewTracker builds a tracker over limiter and sender. gate may be nil,
// which leaves forwarding permanently enabled.
func NewTracker(cfg TrackerConfig, limiter *Limiter, sender Sender, gate Gate) *Tracker {
	if cfg.InteractionTimeout <= 0 {
		cfg.InteractionTimeout = DefaultInteractionTimeout
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = DefaultBatchInterval
	}
	t := &Tracker{
		channels: make(map[string]*channelActivity),
		identity: cfg.Identity,
		timeout:  cfg.InteractionTimeout,
		interval: cfg.BatchInterval,
		limiter:  limiter,
		sender:   sender,
		gate:     gate,
	}
	if len(cfg.Identity.Aliases) > 0 {
		quoted := make([]string, len(cfg.Identity.Aliases))
		for i, a := range cfg.Identity.Aliases {
			quoted[i] = regexp.QuoteMeta(a)
		}
		t.aliasRe = regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
	}
	return t
}

func (t *Tracker) now() time.Time {
	if t.nowFn != nil {
		return t.nowFn()
	}
	return time.Now()
}

// Process classifies one inbound message and performs whatever delivery the
// classification calls for. This is the handler-facing entry point. The
// forwarding toggle is consulted here; while paused the tracker keeps its
// timestamps fresh but neither relays nor enqueues. The bot's own output is
// observed for state and never relayed back to the agent.
func (t *Tracker) Process(ctx context.Context, msg Message) {
	if t.gate != nil && !t.gate.ForwardingEnabled() {
		t.observe(msg)
		return
	}

	forward, flushed := t.classify(ctx, msg)
	if !forward || flushed {
		return
	}
	if t.identity.UserID != "" && msg.AuthorID == t.identity.UserID {
		return
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return
	}
	t.relayNow(ctx, msg)
}

// ShouldForwardImmediately reports whether msg belongs on the immediate
// path. True means relay now; false means the message was enqueued for a
// later digest (or was empty). A mention lands on the immediate path and,
// as a side effect, drains any pending backlog first, with the mention
// itself appended to that digest.
func (t *Tracker) ShouldForwardImmediately(ctx context.Context, msg Message) bool {
	forward, _ := t.classify(ctx, msg)
	return forward
}

// classify runs the decision ladder. The second return value reports that
// the message was already delivered inside a mention-triggered digest, so
// the caller must not relay it a second time.
func (t *Tracker) classify(ctx context.Context, msg Message) (forward, flushed bool) {
	now := t.now()

	t.mu.Lock()
	ch := t.channelLocked(msg)
	ch.lastActivityAt = now

	// 1. Mention: drain the backlog first, with the mention riding along.
	if t.isMention(msg) {
		job := t.beginFlushLocked(msg.ChannelID, ch)
		t.mu.Unlock()

		if job != nil {
			flushed = t.sendDigest(ctx, job, &msg)
		}

		t.mu.Lock()
		ch.lastMentionAt = t.now()
		ch.active = true
		t.mu.Unlock()
		return true, flushed
	}

	// 2. Own output: keeps the conversation window hot.
	if t.identity.UserID != "" && msg.AuthorID == t.identity.UserID {
		ch.lastOwnMessageAt = now
		ch.active = true
		t.mu.Unlock()
		return true, false
	}

	// 3. Recent interaction: still inside the timeout window.
	if t.withinTimeout(now, ch) {
		ch.active = true
		t.mu.Unlock()
		return true, false
	}

	// 4. Dormant: buffer for the next digest. Empty messages have nothing
	// to summarize but still refreshed lastActivityAt above.
	ch.active = false
	if strings.TrimSpace(msg.Content) != "" || len(msg.Attachments) > 0 {
		ch.pending.push(PendingMessage{Summary: Summarize(msg), Attachments: msg.Attachments})
	}
	t.mu.Unlock()
	return false, false
}

// observe updates activity timestamps without relaying or enqueueing, so
// the interaction window stays truthful while forwarding is paused.
func (t *Tracker) observe(msg Message) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := t.channelLocked(msg)
	ch.lastActivityAt = now
	switch {
	case t.isMention(msg):
		ch.lastMentionAt = now
		ch.active = true
	case t.identity.UserID != "" && msg.AuthorID == t.identity.UserID:
		ch.lastOwnMessageAt = now
		ch.active = true
	default:
		ch.active = t.withinTimeout(now, ch)
	}
}

// FlushEligible runs one scheduled-digest pass over every tracked channel.
// A channel is flushed when its queue is non-empty, it is not active, and
// it saw traffic within the batch interval; stale-dormant channels keep
// their backlog until a mention arrives or traffic resumes. Channels are
// evaluated independently, so one failed send never blocks the rest.
func (t *Tracker) FlushEligible(ctx context.Context) {
	if t.gate != nil && !t.gate.ForwardingEnabled() {
		slog.Debug("digest pass skipped: forwarding disabled")
		return
	}
	now := t.now()

	t.mu.Lock()
	var jobs []*flushJob
	for id, ch := range t.channels {
		if ch.pending.len() == 0 || ch.flushing {
			continue
		}
		if t.withinTimeout(now, ch) {
			ch.active = true
			continue
		}
		ch.active = false
		if now.Sub(ch.lastActivityAt) > t.interval {
			continue
		}
		if job := t.beginFlushLocked(id, ch); job != nil {
			jobs = append(jobs, job)
		}
	}
	t.mu.Unlock()

	for _, job := range jobs {
		t.sendDigest(ctx, job, nil)
	}
}

// Status summarizes tracker state for status reporting. Activity is
// re-derived from the timestamps, not read from the cached flag.
func (t *Tracker) Status() TrackerStatus {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	st := TrackerStatus{Channels: len(t.channels)}
	for _, ch := range t.channels {
		if t.withinTimeout(now, ch) {
			st.ActiveChannels++
		}
		st.PendingTotal += ch.pending.len()
	}
	return st
}

// TrackerStatus is a point-in-time summary of the channel table.
type TrackerStatus struct {
	Channels       int
	ActiveChannels int
	PendingTotal   int
}

// --- internals ---

// channelLocked resolves or creates the state record. Caller holds mu.
func (t *Tracker) channelLocked(msg Message) *channelActivity {
	ch, ok := t.channels[msg.ChannelID]
	if !ok {
		ch = &channelActivity{label: msg.ChannelLabel}
		t.channels[msg.ChannelID] = ch
		slog.Debug("tracking new channel", "channel", msg.ChannelID, "label", msg.ChannelLabel)
	} else if msg.ChannelLabel != "" {
		ch.label = msg.ChannelLabel
	}
	return ch
}

// isMention reports whether msg references the tracked identity: the
// platform mention flag, the wrapped token in raw content, or a
// case-insensitive whole-word alias.
func (t *Tracker) isMention(msg Message) bool {
	if msg.MentionsBot {
		return true
	}
	if id := t.identity.UserID; id != "" {
		if strings.Contains(msg.Content, "<@"+id+">") || strings.Contains(msg.Content, "<@!"+id+">") {
			return true
		}
	}
	return t.aliasRe != nil && t.aliasRe.MatchString(msg.Content)
}

// withinTimeout reports whether either interaction timestamp is strictly
// inside the interaction window. Zero timestamps mean "never".
func (t *Tracker) withinTimeout(now time.Time, ch *channelActivity) bool {
	if !ch.lastMentionAt.IsZero() && now.Sub(ch.lastMentionAt) < t.timeout {
		return true
	}
	if !ch.lastOwnMessageAt.IsZero() && now.Sub(ch.lastOwnMessageAt) < t.timeout {
		return true
	}
	return false
}

// flushJob is one drained-queue snapshot headed for the agent. Everything a
// send needs is copied out so no channel state is touched while the network
// call runs.
type flushJob struct {
	channelID string
	label     string
	entries   []PendingMessage
	lastSeq   int64
}

// beginFlushLocked snapshots the channel's queue and marks it as draining.
// Returns nil when there is nothing to drain or another flush already owns
// the queue. Caller holds mu.
func (t *Tracker) beginFlushLocked(id string, ch *channelActivity) *flushJob {
	if ch.flushing || ch.pending.len() == 0 {
		return nil
	}
	entries, lastSeq := ch.pending.snapshot()
	ch.flushing = true
	return &flushJob{channelID: id, label: ch.label, entries: entries, lastSeq: lastSeq}
}

// finishFlush releases the flush guard, dropping the snapshotted entries
// when the send succeeded. Entries enqueued during the send keep their
// place either way.
func (t *Tracker) finishFlush(job *flushJob, sent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[job.channelID]
	if !ok {
		return
	}
	ch.flushing = false
	if sent {
		ch.pending.dropThrough(job.lastSeq)
	}
}

// sendDigest performs one flush attempt. trigger, when non-nil, is the
// mention message appended after the separator; its attachments join the
// batch. Returns true only when the digest went out and the queue entries
// were cleared; admission denial and send failure both leave the queue
// intact for the next trigger.
func (t *Tracker) sendDigest(ctx context.Context, job *flushJob, trigger *Message) bool {
	ctx, span := tracer.Start(ctx, "digest.flush", trace.WithAttributes(
		attribute.String("gorp.channel", job.channelID),
		attribute.Int("gorp.queued", len(job.entries)),
		attribute.Bool("gorp.mention_triggered", trigger != nil),
	))
	defer span.End()

	lines := make([]string, len(job.entries))
	var atts []Attachment
	for i, e := range job.entries {
		lines[i] = e.Summary
		atts = append(atts, e.Attachments...)
	}
	var triggerText string
	if trigger != nil {
		triggerText = Summarize(*trigger)
		atts = append(atts, trigger.Attachments...)
	}
	digest := BuildDigest(job.label, lines, triggerText)

	if !t.limiter.CanSendMessage() {
		slog.Info("digest deferred: send budget exhausted",
			"channel", job.channelID,
			"queued", len(job.entries),
			"reset_in_min", t.limiter.TimeUntilReset(),
		)
		t.finishFlush(job, false)
		return false
	}

	flushID := uuid.NewString()[:8]
	if err := t.sender.Send(ctx, job.channelID, digest, atts); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "digest send failed")
		slog.Warn("digest send failed, queue kept for retry",
			"channel", job.channelID,
			"flush_id", flushID,
			"messages", len(job.entries),
			"error", err,
		)
		t.finishFlush(job, false)
		return false
	}
	t.limiter.RecordMessageSent()
	t.finishFlush(job, true)
	slog.Info("digest flushed",
		"channel", job.channelID,
		"flush_id", flushID,
		"messages", len(job.entries),
		"attachments", len(atts),
		"mention_triggered", trigger != nil,
	)
	return true
}

// relayNow sends one immediate-forward message, subject to the same budget
// as digests. A denied or failed relay is logged and dropped; the message
// was classified immediate, so it never joins the queue.
func (t *Tracker) relayNow(ctx context.Context, msg Message) {
	if !t.limiter.CanSendMessage() {
		slog.Info("relay deferred: send budget exhausted",
			"channel", msg.ChannelID,
			"reset_in_min", t.limiter.TimeUntilReset(),
		)
		return
	}
	if err := t.sender.Send(ctx, msg.ChannelID, RelayText(msg), msg.Attachments); err != nil {
		slog.Warn("relay send failed", "channel", msg.ChannelID, "error", err)
		return
	}
	t.limiter.RecordMessageSent()
}
