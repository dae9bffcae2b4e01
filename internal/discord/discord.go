// Package discord connects the relay to Discord: it turns gateway events
// into activity messages, and exposes the posting surface the agent and
// the control commands talk through.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/gorpbot/gorp/internal/activity"
	"github.com/gorpbot/gorp/internal/attachments"
	"github.com/gorpbot/gorp/internal/config"
)

const (
	// maxMessageLen is Discord's hard cap per message; longer replies are
	// split into chunks at the nearest newline.
	maxMessageLen = 2000

	// labelCacheSize bounds the channel-name cache. Names rarely change;
	// stale entries age out by eviction.
	labelCacheSize = 256
)

// MessageHandler receives every inbound message the channel accepts,
// including the bot's own. Routing between command handling and activity
// tracking happens behind it.
type MessageHandler func(ctx context.Context, msg activity.Message)

// Channel is the Discord connection. It satisfies the posting interfaces
// of the tools and agent packages.
type Channel struct {
	session  *discordgo.Session
	cfg      config.DiscordConfig
	resolver *attachments.Resolver

	onMessage MessageHandler

	botUserID   string
	botUsername string

	labels *lru.Cache[string, string]
	pacer  *rate.Limiter

	ctx     context.Context
	running atomic.Bool
}

// New builds the channel. The session is configured but not opened;
// Start connects.
func New(cfg config.DiscordConfig, resolver *attachments.Resolver) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token not configured")
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	labels, err := lru.New[string, string](labelCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create label cache: %w", err)
	}

	return &Channel{
		session:  session,
		cfg:      cfg,
		resolver: resolver,
		labels:   labels,
		// Outbound REST pacing: one message per second sustained, short
		// bursts allowed. Keeps chunked sends under Discord's rate limits
		// without tripping discordgo's internal retry.
		pacer: rate.NewLimiter(rate.Every(time.Second), 5),
	}, nil
}

// OnMessage registers the inbound handler. Must be called before Start.
func (c *Channel) OnMessage(fn MessageHandler) {
	c.onMessage = fn
}

// ResolveIdentity fetches the bot account over REST and returns the
// identity used for mention and self detection. It works before Start, so
// the tracker can be built before events flow. The result is cached.
func (c *Channel) ResolveIdentity(ctx context.Context) (activity.Identity, error) {
	if c.botUserID == "" {
		me, err := c.session.User("@me", discordgo.WithContext(ctx))
		if err != nil {
			return activity.Identity{}, fmt.Errorf("get bot user: %w", err)
		}
		c.botUserID = me.ID
		c.botUsername = me.Username
	}
	return c.Identity(), nil
}

// Start opens the gateway connection. ctx outlives the call: it is the
// base context for handler work and cancels in-flight sends on shutdown.
func (c *Channel) Start(ctx context.Context) error {
	c.ctx = ctx
	if c.botUserID == "" {
		if _, err := c.ResolveIdentity(ctx); err != nil {
			return err
		}
	}

	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord connection: %w", err)
	}

	c.running.Store(true)
	slog.Info("discord connected", "bot_user_id", c.botUserID, "username", c.botUsername)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop() error {
	c.running.Store(false)
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord connection: %w", err)
	}
	slog.Info("discord disconnected")
	return nil
}

// Identity reports the tracked account for mention and self detection.
func (c *Channel) Identity() activity.Identity {
	aliases := c.cfg.MentionAliases
	if c.botUsername != "" {
		aliases = append(append([]string{}, aliases...), c.botUsername)
	}
	return activity.Identity{UserID: c.botUserID, Aliases: aliases}
}

// handleMessage converts a gateway event into an activity message. The
// bot's own messages pass through so the tracker can observe them; other
// bots and webhooks never reach the relay.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if !c.running.Load() || c.onMessage == nil {
		return
	}
	if m.Author == nil {
		return
	}
	if m.Author.Bot && m.Author.ID != c.botUserID {
		return
	}

	ctx := c.ctx

	msg := activity.Message{
		ID:           m.ID,
		AuthorID:     m.Author.ID,
		AuthorName:   resolveDisplayName(m),
		ChannelID:    m.ChannelID,
		ChannelLabel: c.channelLabel(m.ChannelID),
		Content:      m.Content,
		Timestamp:    messageTime(m),
		MentionsBot:  mentionsUser(m, c.botUserID),
		Attachments:  c.resolveAttachments(ctx, m),
	}

	slog.Debug("discord message received",
		"channel_id", m.ChannelID,
		"author_id", m.Author.ID,
		"mentions_bot", msg.MentionsBot,
		"attachments", len(msg.Attachments),
	)

	c.onMessage(ctx, msg)
}

// resolveAttachments fetches attachment content before the message enters
// the relay, so queued entries stay useful after Discord's CDN URLs expire.
func (c *Channel) resolveAttachments(ctx context.Context, m *discordgo.MessageCreate) []activity.Attachment {
	if len(m.Attachments) == 0 || c.resolver == nil {
		return nil
	}
	refs := make([]attachments.Ref, 0, len(m.Attachments))
	for _, att := range m.Attachments {
		if att == nil || att.URL == "" {
			continue
		}
		refs = append(refs, attachments.Ref{
			Name:        att.Filename,
			URL:         att.URL,
			ContentType: att.ContentType,
			Size:        int64(att.Size),
		})
	}
	return c.resolver.Resolve(ctx, refs)
}

// channelLabel resolves a human-readable channel name, cached per channel.
// DMs label as the counterpart's username.
func (c *Channel) channelLabel(channelID string) string {
	if label, ok := c.labels.Get(channelID); ok {
		return label
	}

	ch, err := c.session.State.Channel(channelID)
	if err != nil {
		ch, err = c.session.Channel(channelID)
	}
	if err != nil || ch == nil {
		return channelID
	}

	label := ch.Name
	if label == "" && (ch.Type == discordgo.ChannelTypeDM || ch.Type == discordgo.ChannelTypeGroupDM) {
		if len(ch.Recipients) > 0 && ch.Recipients[0] != nil {
			label = "dm-" + ch.Recipients[0].Username
		} else {
			label = "dm"
		}
	}
	if label == "" {
		label = channelID
	}

	c.labels.Add(channelID, label)
	return label
}

// Post sends text to a channel, splitting it into Discord-sized chunks.
func (c *Channel) Post(ctx context.Context, channelID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if err := c.pacer.Wait(ctx); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
		if _, err := c.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// PostEmbed sends a single embed, used by the status command.
func (c *Channel) PostEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return fmt.Errorf("send discord embed: %w", err)
	}
	if _, err := c.session.ChannelMessageSendEmbed(channelID, embed, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send discord embed: %w", err)
	}
	return nil
}

// React adds an emoji reaction to a message.
func (c *Channel) React(ctx context.Context, channelID, messageID, emoji string) error {
	if err := c.session.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("add discord reaction: %w", err)
	}
	return nil
}

// Typing fires the typing indicator once. Discord expires it after ten
// seconds on its own.
func (c *Channel) Typing(ctx context.Context, channelID string) {
	if err := c.session.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		slog.Debug("typing indicator failed", "channel_id", channelID, "error", err)
	}
}

// History fetches the most recent messages of a channel as an oldest-first
// transcript.
func (c *Channel) History(ctx context.Context, channelID string, limit int) (string, error) {
	if limit <= 0 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	msgs, err := c.session.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("fetch channel history: %w", err)
	}
	return formatHistory(msgs), nil
}

// splitMessage splits content into chunks of at most maxLen bytes,
// preferring to break at a newline in the back half of the chunk.
func splitMessage(content string, maxLen int) []string {
	var chunks []string
	for len(content) > 0 {
		if len(content) <= maxLen {
			chunks = append(chunks, content)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	return chunks
}

// formatHistory renders fetched messages oldest-first, one line per
// message, matching the digest line shape.
func formatHistory(msgs []*discordgo.Message) string {
	var b strings.Builder
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil || m.Author == nil {
			continue
		}
		b.WriteString(fmt.Sprintf("[%s] %s:", m.Timestamp.Format("15:04"), m.Author.Username))
		if m.Content != "" {
			b.WriteString(" ")
			b.WriteString(m.Content)
		}
		for _, att := range m.Attachments {
			if att == nil {
				continue
			}
			b.WriteString(fmt.Sprintf(" [attachment: %s]", att.Filename))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// mentionsUser reports whether the message structurally mentions the user.
func mentionsUser(m *discordgo.MessageCreate, userID string) bool {
	if userID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

// resolveDisplayName picks the best display name for a message author:
// server nickname, then global display name, then username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func messageTime(m *discordgo.MessageCreate) time.Time {
	if !m.Timestamp.IsZero() {
		return m.Timestamp
	}
	return time.Now()
}
