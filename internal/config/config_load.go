package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Discord: DiscordConfig{
			MentionAliases: []string{"gorp"},
			HistoryLimit:   50,
		},
		Agent: AgentConfig{
			BaseURL:               "https://api.openai.com/v1",
			Model:                 "gpt-4o-mini",
			MaxTokens:             1024,
			Temperature:           0.7,
			MaxToolIterations:     4,
			RequestTimeoutSeconds: 120,
		},
		Relay: RelayConfig{
			InteractionTimeoutMinutes: 5,
			BatchIntervalMinutes:      30,
			MaxMessagesPerHour:        100,
			ForwardEnabled:            true,
		},
		Attachments: AttachmentsConfig{
			MaxBytes:            8 << 20,
			FetchTimeoutSeconds: 30,
			Concurrency:         3,
			MaxImageDimension:   2048,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "gorp",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("GORP_DISCORD_TOKEN", &c.Discord.Token)
	envStr("GORP_AGENT_API_KEY", &c.Agent.APIKey)
	envStr("GORP_AGENT_BASE_URL", &c.Agent.BaseURL)
	envStr("GORP_MODEL", &c.Agent.Model)

	if v := os.Getenv("GORP_OWNER_IDS"); v != "" {
		c.Discord.OwnerIDs = FlexibleStringSlice(strings.Split(v, ","))
	}

	envInt("GORP_INTERACTION_TIMEOUT", &c.Relay.InteractionTimeoutMinutes)
	envInt("GORP_BATCH_INTERVAL", &c.Relay.BatchIntervalMinutes)
	envInt("GORP_MAX_MESSAGES_PER_HOUR", &c.Relay.MaxMessagesPerHour)
	if v := os.Getenv("GORP_FORWARDING"); v != "" {
		c.Relay.ForwardEnabled = v == "true" || v == "1"
	}

	envStr("GORP_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GORP_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("GORP_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GORP_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call after modifying config to restore runtime secrets from env.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
