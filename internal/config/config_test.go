package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if got := cfg.Relay.InteractionTimeoutMinutes; got != 5 {
		t.Errorf("InteractionTimeoutMinutes = %d, want 5", got)
	}
	if got := cfg.Relay.BatchIntervalMinutes; got != 30 {
		t.Errorf("BatchIntervalMinutes = %d, want 30", got)
	}
	if got := cfg.Relay.MaxMessagesPerHour; got != 100 {
		t.Errorf("MaxMessagesPerHour = %d, want 100", got)
	}
	if !cfg.Relay.ForwardEnabled {
		t.Error("ForwardEnabled = false, want true")
	}
	if len(cfg.Discord.MentionAliases) != 1 || cfg.Discord.MentionAliases[0] != "gorp" {
		t.Errorf("MentionAliases = %v, want [gorp]", cfg.Discord.MentionAliases)
	}
	if got := cfg.Attachments.Concurrency; got != 3 {
		t.Errorf("Attachments.Concurrency = %d, want 3", got)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("GORP_DISCORD_TOKEN", "")
	t.Setenv("GORP_MODEL", "")
	t.Setenv("GORP_FORWARDING", "")

	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		// gorp config
		discord: {
			token: "tok-123",
			owner_ids: [111222333444, "555666"],
			mention_aliases: ["gorp", "gorpbot"],
		},
		agent: {
			model: "test-model",
		},
		relay: {
			interaction_timeout_minutes: 10,
			forward_enabled: false,
		},
	}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Discord.Token != "tok-123" {
		t.Errorf("Token = %q, want %q", cfg.Discord.Token, "tok-123")
	}
	if got := []string(cfg.Discord.OwnerIDs); len(got) != 2 || got[0] != "111222333444" || got[1] != "555666" {
		t.Errorf("OwnerIDs = %v, want numeric and string forms normalized", got)
	}
	if cfg.Agent.Model != "test-model" {
		t.Errorf("Model = %q, want %q", cfg.Agent.Model, "test-model")
	}
	if cfg.Relay.InteractionTimeoutMinutes != 10 {
		t.Errorf("InteractionTimeoutMinutes = %d, want 10", cfg.Relay.InteractionTimeoutMinutes)
	}
	if cfg.ForwardingEnabled() {
		t.Error("ForwardingEnabled() = true, want false from file")
	}

	// Fields absent from the file keep their defaults.
	if cfg.Relay.BatchIntervalMinutes != 30 {
		t.Errorf("BatchIntervalMinutes = %d, want default 30", cfg.Relay.BatchIntervalMinutes)
	}
	if cfg.Agent.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want default 1024", cfg.Agent.MaxTokens)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load() error for missing file: %v", err)
	}
	if cfg.Relay.MaxMessagesPerHour != 100 {
		t.Errorf("MaxMessagesPerHour = %d, want default 100", cfg.Relay.MaxMessagesPerHour)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GORP_DISCORD_TOKEN", "env-tok")
	t.Setenv("GORP_MODEL", "env-model")
	t.Setenv("GORP_OWNER_IDS", "1,2,3")
	t.Setenv("GORP_MAX_MESSAGES_PER_HOUR", "7")
	t.Setenv("GORP_FORWARDING", "false")

	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{discord: {token: "file-tok"}, relay: {forward_enabled: true}}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Discord.Token != "env-tok" {
		t.Errorf("Token = %q, want env override %q", cfg.Discord.Token, "env-tok")
	}
	if cfg.Agent.Model != "env-model" {
		t.Errorf("Model = %q, want %q", cfg.Agent.Model, "env-model")
	}
	if got := []string(cfg.Discord.OwnerIDs); len(got) != 3 || got[0] != "1" {
		t.Errorf("OwnerIDs = %v, want [1 2 3]", got)
	}
	if cfg.Relay.MaxMessagesPerHour != 7 {
		t.Errorf("MaxMessagesPerHour = %d, want 7", cfg.Relay.MaxMessagesPerHour)
	}
	if cfg.ForwardingEnabled() {
		t.Error("ForwardingEnabled() = true, want env override false")
	}
}

func TestForwardingToggle(t *testing.T) {
	cfg := Default()
	if !cfg.ForwardingEnabled() {
		t.Fatal("ForwardingEnabled() = false on defaults, want true")
	}
	cfg.SetForwarding(false)
	if cfg.ForwardingEnabled() {
		t.Error("ForwardingEnabled() = true after SetForwarding(false)")
	}
	cfg.SetForwarding(true)
	if !cfg.ForwardingEnabled() {
		t.Error("ForwardingEnabled() = false after SetForwarding(true)")
	}
}

func TestIsOwner(t *testing.T) {
	cfg := Default()
	cfg.Discord.OwnerIDs = FlexibleStringSlice{"42"}

	if !cfg.IsOwner("42") {
		t.Error("IsOwner(42) = false, want true")
	}
	if cfg.IsOwner("43") {
		t.Error("IsOwner(43) = true, want false")
	}
	cfg.Discord.OwnerIDs = nil
	if cfg.IsOwner("42") {
		t.Error("IsOwner(42) = true with empty owner list, want false")
	}
}

func TestApplyRuntime(t *testing.T) {
	cfg := Default()
	cfg.Relay.InteractionTimeoutMinutes = 5

	next := Default()
	next.Relay.ForwardEnabled = false
	next.Relay.InteractionTimeoutMinutes = 99
	next.Discord.OwnerIDs = FlexibleStringSlice{"9"}
	next.Reports = []ReportConfig{{Name: "daily", Cron: "0 9 * * *", ChannelID: "c1", Prompt: "recap"}}

	cfg.ApplyRuntime(next)

	if cfg.ForwardingEnabled() {
		t.Error("ForwardingEnabled() = true after ApplyRuntime, want false")
	}
	if !cfg.IsOwner("9") {
		t.Error("IsOwner(9) = false after ApplyRuntime, want true")
	}
	if got := cfg.ReportJobs(); len(got) != 1 || got[0].Name != "daily" {
		t.Errorf("ReportJobs() = %v, want the applied schedule", got)
	}
	// Timing knobs are start-time only.
	if cfg.Relay.InteractionTimeoutMinutes != 5 {
		t.Errorf("InteractionTimeoutMinutes = %d after ApplyRuntime, want 5", cfg.Relay.InteractionTimeoutMinutes)
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	if got := cfg.InteractionTimeout(); got != 5*time.Minute {
		t.Errorf("InteractionTimeout() = %v, want 5m", got)
	}
	if got := cfg.BatchInterval(); got != 30*time.Minute {
		t.Errorf("BatchInterval() = %v, want 30m", got)
	}
	if got := cfg.RequestTimeout(); got != 120*time.Second {
		t.Errorf("RequestTimeout() = %v, want 2m", got)
	}
	if got := cfg.FetchTimeout(); got != 30*time.Second {
		t.Errorf("FetchTimeout() = %v, want 30s", got)
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Discord.Token = "secret-token"
	cfg.Agent.APIKey = "sk-secret"

	cp := cfg.MaskedCopy()
	if cp.Discord.Token != secretMask {
		t.Errorf("masked Token = %q, want %q", cp.Discord.Token, secretMask)
	}
	if cp.Agent.APIKey != secretMask {
		t.Errorf("masked APIKey = %q, want %q", cp.Agent.APIKey, secretMask)
	}
	if cfg.Discord.Token != "secret-token" {
		t.Error("MaskedCopy mutated the original")
	}

	cfg.Agent.APIKey = ""
	if cp := cfg.MaskedCopy(); cp.Agent.APIKey != "" {
		t.Errorf("masked empty APIKey = %q, want empty", cp.Agent.APIKey)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("GORP_DISCORD_TOKEN", "")
	t.Setenv("GORP_FORWARDING", "")

	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := Default()
	cfg.Discord.Token = "tok"
	cfg.Relay.ForwardEnabled = false

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := info.Mode().Perm(); got != 0600 {
		t.Errorf("config file mode = %o, want 0600", got)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.Discord.Token != "tok" {
		t.Errorf("round-tripped Token = %q, want %q", loaded.Discord.Token, "tok")
	}
	if loaded.ForwardingEnabled() {
		t.Error("round-tripped ForwardingEnabled() = true, want false")
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		in   string
		want string
	}{
		{"~/gorp/config.json", home + "/gorp/config.json"},
		{"~", home},
		{"/abs/path", "/abs/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
