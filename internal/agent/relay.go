package agent

import (
	"context"
	"log/slog"

	"github.com/gorpbot/gorp/internal/activity"
)

// Completer is the agent call the relay sits on top of. *Client satisfies
// it; tests substitute a fake.
type Completer interface {
	Send(ctx context.Context, text string, attachments []activity.Attachment) (string, error)
}

// Poster delivers agent replies back to the channel they concern.
type Poster interface {
	Post(ctx context.Context, channelID, text string) error
	Typing(ctx context.Context, channelID string)
}

// Relay is the glue between the tracker and the agent: it forwards relay
// payloads to the agent and posts non-silent replies back to the source
// channel. It is the tracker's Sender.
type Relay struct {
	agent  Completer
	poster Poster
}

func NewRelay(agent Completer, poster Poster) *Relay {
	return &Relay{agent: agent, poster: poster}
}

// Send implements activity.Sender. The error reflects the agent leg only:
// once the agent has the payload, a failed reply delivery is logged rather
// than surfaced, because surfacing it would make the tracker redeliver the
// same content.
func (r *Relay) Send(ctx context.Context, channelID, text string, attachments []activity.Attachment) error {
	r.poster.Typing(ctx, channelID)

	reply, err := r.agent.Send(ctx, text, attachments)
	if err != nil {
		return err
	}
	if reply == "" || IsSilentReply(reply) {
		slog.Debug("agent declined to reply", "channel", channelID)
		return nil
	}

	if err := r.poster.Post(ctx, channelID, reply); err != nil {
		slog.Warn("reply delivery failed", "channel", channelID, "error", err)
	}
	return nil
}
