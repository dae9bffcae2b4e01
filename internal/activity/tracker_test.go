package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeClock is a hand-advanced clock shared by a tracker and its limiter.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{t: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeSender records deliveries and can be told to fail.
type fakeSender struct {
	mu    sync.Mutex
	fail  error
	calls []sentPayload
}

type sentPayload struct {
	channelID string
	text      string
	atts      []Attachment
}

func (s *fakeSender) Send(_ context.Context, channelID, text string, atts []Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.calls = append(s.calls, sentPayload{channelID: channelID, text: text, atts: atts})
	return nil
}

func (s *fakeSender) sent() []sentPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentPayload(nil), s.calls...)
}

func (s *fakeSender) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

type fakeGate struct{ on bool }

func (g *fakeGate) ForwardingEnabled() bool { return g.on }

const testBotID = "bot-1"

func newTestTracker(capPerHour int, gate Gate) (*Tracker, *fakeSender, *fakeClock) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sender := &fakeSender{}
	limiter := NewLimiter(capPerHour)
	limiter.nowFn = clock.Now
	tr := NewTracker(TrackerConfig{
		Identity: Identity{UserID: testBotID, Aliases: []string{"gorp"}},
	}, limiter, sender, gate)
	tr.nowFn = clock.Now
	return tr, sender, clock
}

func userMsg(clock *fakeClock, channelID, author, content string) Message {
	return Message{
		ID:           "m-" + content,
		AuthorID:     author,
		AuthorName:   author,
		ChannelID:    channelID,
		ChannelLabel: "general",
		Content:      content,
		Timestamp:    clock.Now(),
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name    string
		msg     func(clock *fakeClock) Message
		forward bool
	}{
		{
			"platform mention flag",
			func(c *fakeClock) Message {
				m := userMsg(c, "c1", "u1", "anyone home")
				m.MentionsBot = true
				return m
			},
			true,
		},
		{
			"mention token in content",
			func(c *fakeClock) Message { return userMsg(c, "c1", "u1", "hey <@bot-1> check this") },
			true,
		},
		{
			"nickname mention token",
			func(c *fakeClock) Message { return userMsg(c, "c1", "u1", "<@!bot-1> hello") },
			true,
		},
		{
			"alias as whole word",
			func(c *fakeClock) Message { return userMsg(c, "c1", "u1", "what does Gorp think?") },
			true,
		},
		{
			"alias inside another word",
			func(c *fakeClock) Message { return userMsg(c, "c1", "u1", "the gorpomatic is broken") },
			false,
		},
		{
			"own message",
			func(c *fakeClock) Message { return userMsg(c, "c1", testBotID, "my earlier reply") },
			true,
		},
		{
			"dormant channel traffic",
			func(c *fakeClock) Message { return userMsg(c, "c1", "u1", "just chatting") },
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _, clock := newTestTracker(100, nil)
			if got := tr.ShouldForwardImmediately(context.Background(), tt.msg(clock)); got != tt.forward {
				t.Errorf("ShouldForwardImmediately() = %v, want %v", got, tt.forward)
			}
		})
	}
}

func TestInteractionWindowBoundary(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		forward bool
	}{
		{"just inside window", 4*time.Minute + 59*time.Second, true},
		{"exactly at timeout", 5 * time.Minute, false},
		{"just past timeout", 5*time.Minute + time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _, clock := newTestTracker(100, nil)
			ctx := context.Background()

			m := userMsg(clock, "c1", "u1", "ping")
			m.MentionsBot = true
			tr.ShouldForwardImmediately(ctx, m)

			clock.Advance(tt.elapsed)
			got := tr.ShouldForwardImmediately(ctx, userMsg(clock, "c1", "u2", "follow-up"))
			if got != tt.forward {
				t.Errorf("after %v: ShouldForwardImmediately() = %v, want %v", tt.elapsed, got, tt.forward)
			}
		})
	}
}

func TestOwnMessageExtendsWindow(t *testing.T) {
	tr, _, clock := newTestTracker(100, nil)
	ctx := context.Background()

	m := userMsg(clock, "c1", "u1", "ping")
	m.MentionsBot = true
	tr.ShouldForwardImmediately(ctx, m)

	// The bot replies at +4m; the window now runs from the reply.
	clock.Advance(4 * time.Minute)
	tr.ShouldForwardImmediately(ctx, userMsg(clock, "c1", testBotID, "my reply"))

	// +8m59s overall is past the mention but inside the reply's window.
	clock.Advance(4*time.Minute + 59*time.Second)
	if !tr.ShouldForwardImmediately(ctx, userMsg(clock, "c1", "u2", "thanks")) {
		t.Error("ShouldForwardImmediately() = false inside window extended by own reply, want true")
	}
}

func TestMentionFlushesBacklog(t *testing.T) {
	tr, sender, clock := newTestTracker(100, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tr.Process(ctx, userMsg(clock, "c1", "u1", fmt.Sprintf("idle-%d", i)))
		clock.Advance(time.Minute)
	}
	if got := len(sender.sent()); got != 0 {
		t.Fatalf("sends before mention = %d, want 0", got)
	}
	if got := tr.Status().PendingTotal; got != 3 {
		t.Fatalf("PendingTotal = %d before mention, want 3", got)
	}

	m := userMsg(clock, "c1", "u2", "gorp, what did I miss?")
	tr.Process(ctx, m)

	calls := sender.sent()
	if len(calls) != 1 {
		t.Fatalf("sends after mention = %d, want 1", len(calls))
	}
	digest := calls[0].text
	if !strings.HasPrefix(digest, "Backlog from #general (3 messages queued before this mention):") {
		t.Errorf("digest header = %q", firstLine(digest))
	}
	i0 := strings.Index(digest, "idle-0")
	i1 := strings.Index(digest, "idle-1")
	i2 := strings.Index(digest, "idle-2")
	iTrig := strings.Index(digest, "what did I miss?")
	if i0 < 0 || !(i0 < i1 && i1 < i2 && i2 < iTrig) {
		t.Errorf("digest ordering wrong:\n%s", digest)
	}
	if got := tr.Status().PendingTotal; got != 0 {
		t.Errorf("PendingTotal = %d after flush, want 0", got)
	}

	// The mention opened the interaction window; the next message relays.
	clock.Advance(time.Minute)
	tr.Process(ctx, userMsg(clock, "c1", "u1", "welcome back"))
	calls = sender.sent()
	if len(calls) != 2 {
		t.Fatalf("sends after follow-up = %d, want 2", len(calls))
	}
	if want := "[#general] "; !strings.HasPrefix(calls[1].text, want) {
		t.Errorf("follow-up relay = %q, want %q prefix", calls[1].text, want)
	}
}

func TestMentionWithEmptyQueueRelaysAlone(t *testing.T) {
	tr, sender, clock := newTestTracker(100, nil)
	ctx := context.Background()

	m := userMsg(clock, "c1", "u1", "gorp you up?")
	tr.Process(ctx, m)

	calls := sender.sent()
	if len(calls) != 1 {
		t.Fatalf("sends = %d, want 1", len(calls))
	}
	if strings.Contains(calls[0].text, "Backlog") {
		t.Errorf("mention with empty queue produced a digest: %q", calls[0].text)
	}
}

func TestQueueBoundedUnderSilence(t *testing.T) {
	tr, sender, clock := newTestTracker(100, nil)
	ctx := context.Background()

	for i := 0; i < 55; i++ {
		tr.Process(ctx, userMsg(clock, "c1", "u1", fmt.Sprintf("noise-%02d", i)))
		clock.Advance(time.Second)
	}
	if got := tr.Status().PendingTotal; got != MaxPending {
		t.Fatalf("PendingTotal = %d after 55 messages, want %d", got, MaxPending)
	}

	tr.Process(ctx, userMsg(clock, "c1", "u2", "<@bot-1> summary please"))
	calls := sender.sent()
	if len(calls) != 1 {
		t.Fatalf("sends = %d, want 1", len(calls))
	}
	digest := calls[0].text
	if !strings.Contains(digest, fmt.Sprintf("(%d messages", MaxPending)) {
		t.Errorf("digest header = %q, want %d messages", firstLine(digest), MaxPending)
	}
	if strings.Contains(digest, "noise-04") {
		t.Error("digest contains evicted entry noise-04")
	}
	if !strings.Contains(digest, "noise-05") {
		t.Error("digest missing oldest retained entry noise-05")
	}
	if !strings.Contains(digest, "noise-54") {
		t.Error("digest missing newest entry noise-54")
	}
}

func TestEmptyMessageNotEnqueued(t *testing.T) {
	tr, sender, clock := newTestTracker(100, nil)
	ctx := context.Background()

	tr.Process(ctx, userMsg(clock, "c1", "u1", "   "))
	if got := tr.Status().PendingTotal; got != 0 {
		t.Errorf("PendingTotal = %d after whitespace-only message, want 0", got)
	}
	if got := len(sender.sent()); got != 0 {
		t.Errorf("sends = %d, want 0", got)
	}
}

func TestScheduledFlushEligibility(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(ctx context.Context, tr *Tracker, clock *fakeClock)
		wantSends   int
		wantPending int
	}{
		{
			"dormant backlog within interval",
			func(ctx context.Context, tr *Tracker, clock *fakeClock) {
				tr.Process(ctx, userMsg(clock, "c1", "u1", "one"))
				clock.Advance(time.Minute)
				tr.Process(ctx, userMsg(clock, "c1", "u2", "two"))
				clock.Advance(10 * time.Minute)
			},
			1, 0,
		},
		{
			"active channel skipped",
			func(ctx context.Context, tr *Tracker, clock *fakeClock) {
				tr.Process(ctx, userMsg(clock, "c1", "u1", "one"))
				clock.Advance(time.Minute)
				// The bot posts something itself, marking the channel active.
				tr.Process(ctx, userMsg(clock, "c1", testBotID, "bot housekeeping"))
				clock.Advance(2 * time.Minute)
			},
			0, 1,
		},
		{
			"stale dormant channel kept for next mention",
			func(ctx context.Context, tr *Tracker, clock *fakeClock) {
				tr.Process(ctx, userMsg(clock, "c1", "u1", "one"))
				clock.Advance(31 * time.Minute)
			},
			0, 1,
		},
		{
			"empty queue skipped",
			func(ctx context.Context, tr *Tracker, clock *fakeClock) {
				tr.Process(ctx, userMsg(clock, "c1", "u1", "   "))
				clock.Advance(10 * time.Minute)
			},
			0, 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, sender, clock := newTestTracker(100, nil)
			ctx := context.Background()
			tt.setup(ctx, tr, clock)

			before := len(sender.sent())
			tr.FlushEligible(ctx)

			if got := len(sender.sent()) - before; got != tt.wantSends {
				t.Errorf("scheduled pass sends = %d, want %d", got, tt.wantSends)
			}
			if got := tr.Status().PendingTotal; got != tt.wantPending {
				t.Errorf("PendingTotal = %d after pass, want %d", got, tt.wantPending)
			}
		})
	}
}

func TestScheduledFlushPerChannelIsolation(t *testing.T) {
	tr, sender, clock := newTestTracker(100, nil)
	ctx := context.Background()

	// c-stale goes quiet long before the pass.
	tr.Process(ctx, userMsg(clock, "c-stale", "u1", "ancient"))

	// c-ok has recent dormant traffic.
	clock.Advance(25 * time.Minute)
	tr.Process(ctx, userMsg(clock, "c-ok", "u2", "recent"))

	// c-active has backlog but the bot just spoke there.
	clock.Advance(5 * time.Minute)
	tr.Process(ctx, userMsg(clock, "c-active", "u3", "queued"))
	clock.Advance(time.Second)
	tr.Process(ctx, userMsg(clock, "c-active", testBotID, "bot note"))

	clock.Advance(time.Minute)
	tr.FlushEligible(ctx)

	calls := sender.sent()
	if len(calls) != 1 {
		t.Fatalf("scheduled pass sends = %d, want 1", len(calls))
	}
	if calls[0].channelID != "c-ok" {
		t.Errorf("flushed channel = %q, want %q", calls[0].channelID, "c-ok")
	}
	if got := tr.Status().PendingTotal; got != 2 {
		t.Errorf("PendingTotal = %d, want 2 (stale and active channels keep theirs)", got)
	}
}

func TestFailedSendKeepsQueueForRetry(t *testing.T) {
	tr, sender, clock := newTestTracker(100, nil)
	ctx := context.Background()

	tr.Process(ctx, userMsg(clock, "c1", "u1", "first"))
	clock.Advance(time.Minute)
	tr.Process(ctx, userMsg(clock, "c1", "u2", "second"))
	clock.Advance(10 * time.Minute)

	sender.setFail(errors.New("agent unavailable"))
	tr.FlushEligible(ctx)

	if got := tr.Status().PendingTotal; got != 2 {
		t.Fatalf("PendingTotal = %d after failed flush, want 2", got)
	}
	if got := len(sender.sent()); got != 0 {
		t.Fatalf("recorded sends = %d after failure, want 0", got)
	}
	if got := tr.limiter.Status().InWindow; got != 0 {
		t.Errorf("limiter InWindow = %d after failed send, want 0", got)
	}

	// Next pass retries the same backlog.
	sender.setFail(nil)
	clock.Advance(time.Minute)
	tr.FlushEligible(ctx)

	calls := sender.sent()
	if len(calls) != 1 {
		t.Fatalf("sends after retry = %d, want 1", len(calls))
	}
	i, j := strings.Index(calls[0].text, "first"), strings.Index(calls[0].text, "second")
	if i < 0 || j < 0 {
		t.Fatalf("retried digest missing entries:\n%s", calls[0].text)
	}
	if i > j {
		t.Errorf("retried digest entries out of order:\n%s", calls[0].text)
	}
	if got := tr.Status().PendingTotal; got != 0 {
		t.Errorf("PendingTotal = %d after retry, want 0", got)
	}
}

func TestBudgetExhaustedDefersFlush(t *testing.T) {
	tr, sender, clock := newTestTracker(1, nil)
	ctx := context.Background()

	tr.limiter.RecordMessageSent() // budget spent elsewhere

	tr.Process(ctx, userMsg(clock, "c1", "u1", "queued"))
	clock.Advance(10 * time.Minute)
	tr.FlushEligible(ctx)

	if got := len(sender.sent()); got != 0 {
		t.Errorf("sends = %d with budget exhausted, want 0", got)
	}
	if got := tr.Status().PendingTotal; got != 1 {
		t.Errorf("PendingTotal = %d after deferred flush, want 1", got)
	}
}

func TestBudgetSharedAcrossChannels(t *testing.T) {
	tr, sender, clock := newTestTracker(1, nil)
	ctx := context.Background()

	tr.Process(ctx, userMsg(clock, "c-a", "u1", "alpha"))
	tr.Process(ctx, userMsg(clock, "c-b", "u2", "beta"))
	clock.Advance(10 * time.Minute)
	tr.FlushEligible(ctx)

	if got := len(sender.sent()); got != 1 {
		t.Fatalf("sends = %d with budget 1, want 1", got)
	}
	if got := tr.Status().PendingTotal; got != 1 {
		t.Errorf("PendingTotal = %d, want 1 (second channel deferred)", got)
	}
}

func TestDigestCarriesAttachments(t *testing.T) {
	tr, sender, clock := newTestTracker(100, nil)
	ctx := context.Background()

	queued := userMsg(clock, "c1", "u1", "check this out")
	queued.Attachments = []Attachment{{Name: "graph.png", ContentType: "image/png", Data: []byte{1, 2}}}
	tr.Process(ctx, queued)
	clock.Advance(time.Minute)

	trigger := userMsg(clock, "c1", "u2", "gorp thoughts?")
	trigger.Attachments = []Attachment{{Name: "notes.txt", ContentType: "text/plain", Data: []byte{3}}}
	tr.Process(ctx, trigger)

	calls := sender.sent()
	if len(calls) != 1 {
		t.Fatalf("sends = %d, want 1", len(calls))
	}
	atts := calls[0].atts
	if len(atts) != 2 {
		t.Fatalf("digest attachments = %d, want 2", len(atts))
	}
	if atts[0].Name != "graph.png" || atts[1].Name != "notes.txt" {
		t.Errorf("attachment order = %q, %q; want backlog first, trigger last", atts[0].Name, atts[1].Name)
	}
	if !strings.Contains(calls[0].text, "[attachment: graph.png]") {
		t.Errorf("digest missing attachment marker:\n%s", calls[0].text)
	}
}

func TestForwardingGate(t *testing.T) {
	gate := &fakeGate{on: false}
	tr, sender, clock := newTestTracker(100, gate)
	ctx := context.Background()

	// While paused: a mention is observed but nothing is sent or queued.
	m := userMsg(clock, "c1", "u1", "gorp hello?")
	m.MentionsBot = true
	tr.Process(ctx, m)
	if got := len(sender.sent()); got != 0 {
		t.Fatalf("sends while paused = %d, want 0", got)
	}
	if got := tr.Status().PendingTotal; got != 0 {
		t.Fatalf("PendingTotal while paused = %d, want 0", got)
	}

	// The observed mention kept the window warm: once resumed, traffic
	// inside the window relays immediately.
	gate.on = true
	clock.Advance(2 * time.Minute)
	tr.Process(ctx, userMsg(clock, "c1", "u2", "anyone?"))
	if got := len(sender.sent()); got != 1 {
		t.Errorf("sends after resume = %d, want 1", got)
	}
}

func TestScheduledPassSkippedWhilePaused(t *testing.T) {
	gate := &fakeGate{on: true}
	tr, sender, clock := newTestTracker(100, gate)
	ctx := context.Background()

	tr.Process(ctx, userMsg(clock, "c1", "u1", "queued"))
	clock.Advance(10 * time.Minute)

	gate.on = false
	tr.FlushEligible(ctx)
	if got := len(sender.sent()); got != 0 {
		t.Errorf("sends while paused = %d, want 0", got)
	}
	if got := tr.Status().PendingTotal; got != 1 {
		t.Errorf("PendingTotal = %d, want 1", got)
	}
}

func TestOwnMessageNeverRelayed(t *testing.T) {
	tr, sender, clock := newTestTracker(100, nil)
	ctx := context.Background()

	tr.Process(ctx, userMsg(clock, "c1", testBotID, "my own digest output"))
	if got := len(sender.sent()); got != 0 {
		t.Errorf("sends = %d after own message, want 0", got)
	}

	// But it opened the window for everyone else.
	clock.Advance(time.Minute)
	tr.Process(ctx, userMsg(clock, "c1", "u1", "nice summary"))
	if got := len(sender.sent()); got != 1 {
		t.Errorf("sends = %d after follow-up, want 1", got)
	}
}

func TestStatusCounts(t *testing.T) {
	tr, _, clock := newTestTracker(100, nil)
	ctx := context.Background()

	tr.Process(ctx, userMsg(clock, "c-quiet", "u1", "queued one"))
	m := userMsg(clock, "c-hot", "u2", "gorp hi")
	tr.Process(ctx, m)
	clock.Advance(time.Minute)

	st := tr.Status()
	if st.Channels != 2 {
		t.Errorf("Status().Channels = %d, want 2", st.Channels)
	}
	if st.ActiveChannels != 1 {
		t.Errorf("Status().ActiveChannels = %d, want 1", st.ActiveChannels)
	}
	if st.PendingTotal != 1 {
		t.Errorf("Status().PendingTotal = %d, want 1", st.PendingTotal)
	}
}
