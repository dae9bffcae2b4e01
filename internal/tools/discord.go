package tools

import (
	"context"
	"fmt"
)

// Messenger is the Discord surface the tools act through. Implemented by
// the discord channel; faked in tests.
type Messenger interface {
	Post(ctx context.Context, channelID, text string) error
	React(ctx context.Context, channelID, messageID, emoji string) error
	History(ctx context.Context, channelID string, limit int) (string, error)
}

// SendMessageTool posts a message to a Discord channel. It lets the agent
// speak somewhere other than the channel whose traffic prompted it.
type SendMessageTool struct {
	messenger Messenger
}

func NewSendMessageTool(m Messenger) *SendMessageTool {
	return &SendMessageTool{messenger: m}
}

func (t *SendMessageTool) Name() string { return "discord_send_message" }
func (t *SendMessageTool) Description() string {
	return "Send a message to a Discord channel by ID"
}

func (t *SendMessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"channel_id": map[string]interface{}{
				"type":        "string",
				"description": "Discord channel ID to post in",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Message text to send",
			},
		},
		"required": []string{"channel_id", "content"},
	}
}

func (t *SendMessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	channelID, _ := args["channel_id"].(string)
	content, _ := args["content"].(string)
	if channelID == "" {
		return ErrorResult("channel_id is required")
	}
	if content == "" {
		return ErrorResult("content is required")
	}

	if err := t.messenger.Post(ctx, channelID, content); err != nil {
		return ErrorResult(fmt.Sprintf("failed to send message: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("message sent to channel %s", channelID))
}

// AddReactionTool puts an emoji reaction on a message, the cheapest way for
// the agent to acknowledge something without spending a reply.
type AddReactionTool struct {
	messenger Messenger
}

func NewAddReactionTool(m Messenger) *AddReactionTool {
	return &AddReactionTool{messenger: m}
}

func (t *AddReactionTool) Name() string { return "discord_add_reaction" }
func (t *AddReactionTool) Description() string {
	return "Add an emoji reaction to a Discord message"
}

func (t *AddReactionTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"channel_id": map[string]interface{}{
				"type":        "string",
				"description": "Channel ID containing the message",
			},
			"message_id": map[string]interface{}{
				"type":        "string",
				"description": "ID of the message to react to",
			},
			"emoji": map[string]interface{}{
				"type":        "string",
				"description": "Emoji to react with, e.g. \"👍\" or a custom name:id",
			},
		},
		"required": []string{"channel_id", "message_id", "emoji"},
	}
}

func (t *AddReactionTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	channelID, _ := args["channel_id"].(string)
	messageID, _ := args["message_id"].(string)
	emoji, _ := args["emoji"].(string)
	if channelID == "" || messageID == "" || emoji == "" {
		return ErrorResult("channel_id, message_id and emoji are required")
	}

	if err := t.messenger.React(ctx, channelID, messageID, emoji); err != nil {
		return ErrorResult(fmt.Sprintf("failed to add reaction: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("reacted with %s", emoji))
}

// ChannelHistoryTool fetches recent messages from a channel so the agent
// can ground a reply in context it was not forwarded.
type ChannelHistoryTool struct {
	messenger Messenger
	maxLimit  int
}

func NewChannelHistoryTool(m Messenger, maxLimit int) *ChannelHistoryTool {
	if maxLimit <= 0 {
		maxLimit = 50
	}
	return &ChannelHistoryTool{messenger: m, maxLimit: maxLimit}
}

func (t *ChannelHistoryTool) Name() string { return "discord_channel_history" }
func (t *ChannelHistoryTool) Description() string {
	return "Fetch the most recent messages from a Discord channel as a transcript"
}

func (t *ChannelHistoryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"channel_id": map[string]interface{}{
				"type":        "string",
				"description": "Discord channel ID to read",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": fmt.Sprintf("Number of messages to fetch (1-%d, default %d)", t.maxLimit, t.maxLimit),
			},
		},
		"required": []string{"channel_id"},
	}
}

func (t *ChannelHistoryTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	channelID, _ := args["channel_id"].(string)
	if channelID == "" {
		return ErrorResult("channel_id is required")
	}

	limit := t.maxLimit
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}
	if limit > t.maxLimit {
		limit = t.maxLimit
	}

	transcript, err := t.messenger.History(ctx, channelID, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to fetch history: %v", err)).WithError(err)
	}
	if transcript == "" {
		return NewResult("no messages in channel")
	}
	return NewResult(transcript)
}
