// Package activity implements the relay core: the per-channel activity
// tracker that classifies inbound messages as immediate-forward or
// batch-candidate, the bounded pending queues that buffer dormant-channel
// traffic, the sliding-window rate limiter that budgets all outbound agent
// sends, and the batch scheduler that periodically flushes eligible
// channels.
//
// All state is in-memory and process-lifetime; nothing here touches disk.
package activity

import (
	"context"
	"time"
)

const (
	// DefaultInteractionTimeout is how long a channel stays "active" after
	// a mention or an own message before new traffic starts batching.
	DefaultInteractionTimeout = 5 * time.Minute

	// DefaultBatchInterval is the period of the digest scheduler and the
	// recency window for scheduled-flush eligibility.
	DefaultBatchInterval = 30 * time.Minute

	// DefaultMaxPerHour is the global outbound send budget per trailing hour.
	DefaultMaxPerHour = 100

	// MaxPending bounds every channel's pending queue. Once full, the oldest
	// entries are evicted silently so the queue always holds the most recent
	// traffic. Not configurable.
	MaxPending = 50
)

// Message is one inbound chat event, delivered after attachment ingestion.
// The tracker only ever sees resolved attachment descriptors, never raw
// platform handles.
type Message struct {
	ID           string
	AuthorID     string
	AuthorName   string
	ChannelID    string
	ChannelLabel string
	Content      string
	Attachments  []Attachment
	Timestamp    time.Time

	// MentionsBot is set by the channel layer when the platform reported a
	// structured mention of the tracked account. The tracker additionally
	// scans Content for the wrapped token and plain-text aliases.
	MentionsBot bool
}

// Attachment is a resolved attachment descriptor. When Err is non-empty the
// fetch failed and Data is nil; the error marker still travels with the
// batch so the digest can account for it.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
	Err         string
}

// PendingMessage is an immutable digest entry: a pre-formatted summary line
// plus the attachment descriptors that arrived with the message. Fixed at
// enqueue time, never mutated, discarded on flush or eviction.
type PendingMessage struct {
	Summary     string
	Attachments []Attachment
}

// Identity describes the tracked bot account for mention and self detection.
type Identity struct {
	// UserID is the platform account ID. Mention tokens wrap it
	// ("<@id>" / "<@!id>"); self detection compares message authors to it.
	UserID string
	// Aliases are plain-text names matched case-insensitively as whole
	// words anywhere in message content.
	Aliases []string
}

// Sender delivers relay text and attachments to the downstream AI agent.
// Implementations own reply handling; the tracker only cares whether the
// send succeeded.
type Sender interface {
	Send(ctx context.Context, channelID, text string, attachments []Attachment) error
}

// Gate is the runtime forwarding toggle, owned outside the tracker and
// consulted on every classification.
type Gate interface {
	ForwardingEnabled() bool
}
