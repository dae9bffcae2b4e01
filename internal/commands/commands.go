// Package commands implements the owner control plane: short directives
// addressed to the bot that manage the relay instead of feeding it.
// Handled messages never reach the activity tracker.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/gorpbot/gorp/internal/activity"
	"github.com/gorpbot/gorp/internal/config"
)

const (
	embedColor = 0x5865F2

	// defaultCatchupLimit is how much history a bare "catchup" pulls.
	defaultCatchupLimit = 20
)

// Messenger is the posting surface commands reply through.
type Messenger interface {
	Post(ctx context.Context, channelID, text string) error
	PostEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error
	History(ctx context.Context, channelID string, limit int) (string, error)
}

// Flusher triggers an immediate digest pass. The scheduler satisfies it.
type Flusher interface {
	RunNow()
}

// HandlerConfig wires the handler's collaborators.
type HandlerConfig struct {
	Config    *config.Config
	Tracker   *activity.Tracker
	Limiter   *activity.Limiter
	Scheduler Flusher
	Relay     activity.Sender
	Messenger Messenger
	Identity  activity.Identity
	Version   string
}

// Handler recognizes and executes control commands.
type Handler struct {
	cfg       *config.Config
	tracker   *activity.Tracker
	limiter   *activity.Limiter
	scheduler Flusher
	relay     activity.Sender
	messenger Messenger
	identity  activity.Identity
	version   string
	startedAt time.Time

	nowFn func() time.Time
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		cfg:       cfg.Config,
		tracker:   cfg.Tracker,
		limiter:   cfg.Limiter,
		scheduler: cfg.Scheduler,
		relay:     cfg.Relay,
		messenger: cfg.Messenger,
		identity:  cfg.Identity,
		version:   cfg.Version,
		startedAt: time.Now(),
		nowFn:     time.Now,
	}
}

// Maybe executes msg as a control command and reports whether it consumed
// the message. Non-owners, unaddressed messages, and unknown verbs fall
// through to the relay untouched, so "@gorp what broke?" still reads as a
// mention.
func (h *Handler) Maybe(ctx context.Context, msg activity.Message) bool {
	if h.cfg == nil || !h.cfg.IsOwner(msg.AuthorID) {
		return false
	}

	rest, addressed := h.address(msg.Content)
	if !addressed || len(rest) == 0 {
		return false
	}

	verb := strings.ToLower(rest[0])
	args := rest[1:]

	switch verb {
	case "status":
		h.status(ctx, msg.ChannelID)
	case "pause":
		h.pause(ctx, msg.ChannelID)
	case "resume":
		h.resume(ctx, msg.ChannelID)
	case "flush":
		h.flush(ctx, msg.ChannelID)
	case "catchup":
		h.catchup(ctx, msg, args)
	case "help", "commands":
		h.help(ctx, msg.ChannelID)
	default:
		return false
	}

	slog.Info("control command handled",
		"command", verb,
		"user_id", msg.AuthorID,
		"channel_id", msg.ChannelID,
	)
	return true
}

// address strips a leading mention token or alias and returns the
// remaining fields. A command must open with the address; an address
// anywhere else is ordinary conversation.
func (h *Handler) address(content string) ([]string, bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return nil, false
	}

	head := fields[0]
	if h.identity.UserID != "" {
		if head == "<@"+h.identity.UserID+">" || head == "<@!"+h.identity.UserID+">" {
			return fields[1:], true
		}
	}

	trimmed := strings.TrimRight(head, ",:")
	for _, alias := range h.identity.Aliases {
		if alias != "" && strings.EqualFold(trimmed, alias) {
			return fields[1:], true
		}
	}
	return nil, false
}

func (h *Handler) status(ctx context.Context, channelID string) {
	rl := h.limiter.Status()
	tr := h.tracker.Status()

	forwarding := "paused"
	if h.cfg.ForwardingEnabled() {
		forwarding = "enabled"
	}

	window := "open"
	if rl.Remaining == 0 {
		window = fmt.Sprintf("exhausted, resets in %s", formatMinutes(h.limiter.TimeUntilReset()))
	} else if rl.InWindow > 0 {
		window = fmt.Sprintf("oldest send ages out in %s", formatMinutes(h.limiter.TimeUntilReset()))
	}

	embed := &discordgo.MessageEmbed{
		Title: "gorp status",
		Color: embedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Forwarding", Value: forwarding, Inline: true},
			{Name: "Send budget", Value: fmt.Sprintf("%d of %d used, %d left", rl.InWindow, rl.MaxPerHour, rl.Remaining), Inline: true},
			{Name: "Window", Value: window, Inline: false},
			{Name: "Channels", Value: fmt.Sprintf("%d tracked, %d active", tr.Channels, tr.ActiveChannels), Inline: true},
			{Name: "Pending", Value: fmt.Sprintf("%d queued", tr.PendingTotal), Inline: true},
			{Name: "Uptime", Value: formatUptime(h.nowFn().Sub(h.startedAt)), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: "gorp " + h.version},
	}

	if err := h.messenger.PostEmbed(ctx, channelID, embed); err != nil {
		slog.Warn("status embed failed", "channel_id", channelID, "error", err)
		h.post(ctx, channelID, fmt.Sprintf("Forwarding %s. Budget %d of %d used. %d pending across %d channels.",
			forwarding, rl.InWindow, rl.MaxPerHour, tr.PendingTotal, tr.Channels))
	}
}

func (h *Handler) pause(ctx context.Context, channelID string) {
	h.cfg.SetForwarding(false)
	h.post(ctx, channelID, "Forwarding paused. Messages are observed but nothing reaches the agent until resume.")
}

func (h *Handler) resume(ctx context.Context, channelID string) {
	h.cfg.SetForwarding(true)
	h.post(ctx, channelID, "Forwarding resumed.")
}

func (h *Handler) flush(ctx context.Context, channelID string) {
	if h.scheduler != nil {
		h.scheduler.RunNow()
	}
	h.post(ctx, channelID, "Running a digest pass over eligible backlogs.")
}

// catchup pulls recent channel history and relays it as an explicit recap
// request. It spends normal send budget.
func (h *Handler) catchup(ctx context.Context, msg activity.Message, args []string) {
	limit := defaultCatchupLimit
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			h.post(ctx, msg.ChannelID, "Usage: catchup [count]")
			return
		}
		limit = n
	}
	if max := h.cfg.Discord.HistoryLimit; max > 0 && limit > max {
		limit = max
	}

	transcript, err := h.messenger.History(ctx, msg.ChannelID, limit)
	if err != nil {
		h.post(ctx, msg.ChannelID, "History fetch failed: "+err.Error())
		return
	}
	if strings.TrimSpace(transcript) == "" {
		h.post(ctx, msg.ChannelID, "Nothing recent to catch up on.")
		return
	}

	if !h.limiter.CanSendMessage() {
		h.post(ctx, msg.ChannelID, fmt.Sprintf("Send budget exhausted, resets in %s.", formatMinutes(h.limiter.TimeUntilReset())))
		return
	}

	label := msg.ChannelLabel
	if label == "" {
		label = msg.ChannelID
	}
	text := fmt.Sprintf("[#%s] The operator asked for a recap of the recent conversation. Recent messages:\n\n%s", label, transcript)

	if err := h.relay.Send(ctx, msg.ChannelID, text, nil); err != nil {
		h.post(ctx, msg.ChannelID, "Catchup failed: "+err.Error())
		return
	}
	h.limiter.RecordMessageSent()
}

func (h *Handler) help(ctx context.Context, channelID string) {
	h.post(ctx, channelID, "gorp commands:\n"+
		"`status` relay and budget overview\n"+
		"`pause` / `resume` toggle forwarding\n"+
		"`flush` run a digest pass now\n"+
		"`catchup [count]` recap recent channel history\n"+
		"`help` this list")
}

func (h *Handler) post(ctx context.Context, channelID, text string) {
	if err := h.messenger.Post(ctx, channelID, text); err != nil {
		slog.Warn("command reply failed", "channel_id", channelID, "error", err)
	}
}

func formatMinutes(m int) string {
	if m <= 1 {
		return "about a minute"
	}
	return fmt.Sprintf("about %d minutes", m)
}

func formatUptime(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Minute).String()
}
