// Package agent talks to the downstream AI: an OpenAI-compatible chat
// completion endpoint. It owns the persona, the tool-call loop, and the
// cleanup applied to replies before they go anywhere near a channel.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gorpbot/gorp/internal/activity"
	"github.com/gorpbot/gorp/internal/config"
	"github.com/gorpbot/gorp/internal/tools"
)

var tracer = otel.Tracer("gorp/agent")

// defaultPersona is used when the config does not provide one. The NO_REPLY
// instruction matters: it is how the model opts out of answering recap
// digests that need no response.
const defaultPersona = `You are gorp, a laid-back regular in this Discord server. You read along and chime in like a friend would.

Messages reach you relayed with context: single messages as "[#channel] [time] author: text", quiet-period recaps as a list of such lines. Reply with just your message text, no prefix.

Keep replies short and conversational. If a recap or message genuinely needs no response from you, reply with exactly NO_REPLY.`

// Client is the chat-completion client plus the tool loop around it.
type Client struct {
	api           *openai.Client
	model         string
	maxTokens     int
	temperature   float32
	maxIterations int
	timeout       time.Duration
	persona       string
	registry      *tools.Registry
}

// New builds a client from cfg. registry may be nil for a tool-less agent.
func New(cfg config.AgentConfig, registry *tools.Registry) *Client {
	api := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		api.BaseURL = cfg.BaseURL
	}

	persona := cfg.Persona
	if persona == "" {
		persona = defaultPersona
	}
	maxIterations := cfg.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = 4
	}
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &Client{
		api:           openai.NewClientWithConfig(api),
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		temperature:   float32(cfg.Temperature),
		maxIterations: maxIterations,
		timeout:       timeout,
		persona:       persona,
		registry:      registry,
	}
}

// Send delivers one relay payload and returns the cleaned reply text. An
// empty reply means the model had nothing to say; the caller decides what
// that means. Tool calls are executed inline until the model produces text
// or the iteration budget runs out.
func (c *Client) Send(ctx context.Context, text string, attachments []activity.Attachment) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "agent.send", trace.WithAttributes(
		attribute.String("gorp.model", c.model),
		attribute.Int("gorp.text_len", len(text)),
		attribute.Int("gorp.attachments", len(attachments)),
	))
	defer span.End()

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: c.persona},
		userMessage(text, attachments),
	}

	var defs []openai.Tool
	if c.registry != nil {
		defs = c.registry.ProviderDefs()
	}

	for iteration := 1; iteration <= c.maxIterations; iteration++ {
		req := openai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    messages,
			MaxTokens:   c.maxTokens,
			Temperature: c.temperature,
			Tools:       defs,
		}

		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "completion failed")
			return "", fmt.Errorf("chat completion (iteration %d): %w", iteration, err)
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("chat completion returned no choices")
		}

		choice := resp.Choices[0].Message
		if len(choice.ToolCalls) == 0 {
			span.SetAttributes(attribute.Int("gorp.iterations", iteration))
			return CleanReply(choice.Content), nil
		}

		messages = append(messages, choice)
		for _, tc := range choice.ToolCalls {
			messages = append(messages, c.runToolCall(ctx, tc))
		}
	}

	// The model kept calling tools until the budget ran out. Its actions
	// stand; there is just no reply text to deliver.
	slog.Warn("tool loop exhausted without a text reply",
		"model", c.model,
		"max_iterations", c.maxIterations,
	)
	span.SetAttributes(attribute.Int("gorp.iterations", c.maxIterations))
	return "", nil
}

func (c *Client) runToolCall(ctx context.Context, tc openai.ToolCall) openai.ChatCompletionMessage {
	slog.Info("tool call", "tool", tc.Function.Name, "args_len", len(tc.Function.Arguments))

	args := map[string]interface{}{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    "invalid tool arguments: " + err.Error(),
				ToolCallID: tc.ID,
			}
		}
	}

	result := c.registry.Execute(ctx, tc.Function.Name, args)
	return openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Content:    result.ForLLM,
		ToolCallID: tc.ID,
	}
}

// userMessage builds the user turn. Fetched images become data-URL vision
// parts; everything else is represented in the text.
func userMessage(text string, attachments []activity.Attachment) openai.ChatCompletionMessage {
	full := text + attachmentNotes(attachments)

	var parts []openai.ChatMessagePart
	for _, a := range attachments {
		if !isImage(a) {
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    dataURL(a),
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	if len(parts) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: full}
	}

	parts = append([]openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: full}}, parts...)
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

// attachmentNotes describes the attachments that cannot ride as vision
// parts, so the model knows what it is not seeing.
func attachmentNotes(attachments []activity.Attachment) string {
	var b strings.Builder
	for _, a := range attachments {
		switch {
		case a.Err != "":
			fmt.Fprintf(&b, "\n[attachment %s could not be fetched: %s]", a.Name, a.Err)
		case !isImage(a):
			fmt.Fprintf(&b, "\n[attachment %s (%s, %d bytes) not shown]", a.Name, a.ContentType, len(a.Data))
		}
	}
	return b.String()
}

func isImage(a activity.Attachment) bool {
	return len(a.Data) > 0 && strings.HasPrefix(a.ContentType, "image/")
}

func dataURL(a activity.Attachment) string {
	return "data:" + a.ContentType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}
