package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON. Discord IDs
// are numeric and people paste them unquoted.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the gorp relay.
type Config struct {
	Discord     DiscordConfig     `json:"discord"`
	Agent       AgentConfig       `json:"agent"`
	Relay       RelayConfig       `json:"relay"`
	Attachments AttachmentsConfig `json:"attachments"`
	Reports     []ReportConfig    `json:"reports,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
	mu          sync.RWMutex
}

// DiscordConfig configures the Discord connection and how the bot
// recognizes itself in traffic.
type DiscordConfig struct {
	Token string `json:"token,omitempty"`
	// MentionAliases are plain-text names treated as mentions when they
	// appear as whole words, case-insensitively.
	MentionAliases []string `json:"mention_aliases,omitempty"`
	// OwnerIDs are the user IDs allowed to run control commands.
	OwnerIDs FlexibleStringSlice `json:"owner_ids,omitempty"`
	// HistoryLimit caps how many messages the catchup command and the
	// channel-history tool may fetch per call.
	HistoryLimit int `json:"history_limit,omitempty"`
}

// AgentConfig configures the downstream AI agent (any OpenAI-compatible
// chat completion endpoint).
type AgentConfig struct {
	BaseURL               string  `json:"base_url,omitempty"`
	APIKey                string  `json:"api_key,omitempty"`
	Model                 string  `json:"model"`
	Persona               string  `json:"persona,omitempty"`
	MaxTokens             int     `json:"max_tokens"`
	Temperature           float64 `json:"temperature"`
	MaxToolIterations     int     `json:"max_tool_iterations"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds"`
}

// RelayConfig holds the activity-tracking knobs. The timing fields are read
// once at startup; ForwardEnabled is runtime-mutable through the pause and
// resume commands and the config watcher.
type RelayConfig struct {
	InteractionTimeoutMinutes int  `json:"interaction_timeout_minutes"`
	BatchIntervalMinutes      int  `json:"batch_interval_minutes"`
	MaxMessagesPerHour        int  `json:"max_messages_per_hour"`
	ForwardEnabled            bool `json:"forward_enabled"`
}

// AttachmentsConfig bounds attachment ingestion.
type AttachmentsConfig struct {
	MaxBytes            int64 `json:"max_bytes"`
	FetchTimeoutSeconds int   `json:"fetch_timeout_seconds"`
	Concurrency         int   `json:"concurrency"`
	// MaxImageDimension downscales larger images before they ride to the
	// agent. Zero disables downscaling.
	MaxImageDimension int `json:"max_image_dimension"`
}

// ReportConfig is one scheduled report: a cron expression, the channel the
// reply lands in, and the prompt sent to the agent when it fires.
type ReportConfig struct {
	Name      string `json:"name"`
	Cron      string `json:"cron"`
	ChannelID string `json:"channel_id"`
	Prompt    string `json:"prompt"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled,omitempty"`
	Endpoint    string  `json:"endpoint,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
	Insecure    bool    `json:"insecure,omitempty"`
	SampleRate  float64 `json:"sample_rate,omitempty"`
}

// InteractionTimeout returns the configured interaction window.
func (c *Config) InteractionTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Relay.InteractionTimeoutMinutes) * time.Minute
}

// BatchInterval returns the configured digest period.
func (c *Config) BatchInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Relay.BatchIntervalMinutes) * time.Minute
}

// RequestTimeout returns the per-request deadline for agent calls.
func (c *Config) RequestTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Agent.RequestTimeoutSeconds) * time.Second
}

// FetchTimeout returns the per-attachment download deadline.
func (c *Config) FetchTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Attachments.FetchTimeoutSeconds) * time.Second
}

// ForwardingEnabled reports the runtime forwarding toggle. The tracker
// consults this on every inbound message.
func (c *Config) ForwardingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Relay.ForwardEnabled
}

// SetForwarding flips the runtime forwarding toggle.
func (c *Config) SetForwarding(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Relay.ForwardEnabled = on
}

// IsOwner reports whether id may run control commands. An empty owner list
// means nobody is an owner.
func (c *Config) IsOwner(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, o := range c.Discord.OwnerIDs {
		if o == id {
			return true
		}
	}
	return false
}

// MentionAliases returns a copy of the configured alias list.
func (c *Config) MentionAliases() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.Discord.MentionAliases...)
}

// ReportJobs returns a copy of the configured report schedule.
func (c *Config) ReportJobs() []ReportConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ReportConfig(nil), c.Reports...)
}

// ApplyRuntime overlays the runtime-safe fields from src: the forwarding
// toggle, the owner list, and the report schedule. Timing knobs, tokens and
// the alias list need a restart.
func (c *Config) ApplyRuntime(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Relay.ForwardEnabled = src.Relay.ForwardEnabled
	c.Discord.OwnerIDs = append(FlexibleStringSlice(nil), src.Discord.OwnerIDs...)
	c.Reports = append([]ReportConfig(nil), src.Reports...)
}

// Hash returns a SHA-256 fingerprint of the config, for the doctor report.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	return hashBytes(data)
}

const secretMask = "***"

// MaskedCopy returns a deep copy with secrets masked, safe to print.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Discord.Token)
	maskNonEmpty(&cp.Agent.APIKey)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
