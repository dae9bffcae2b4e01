package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/gorpbot/gorp/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

// canAutoOnboard reports whether the environment carries enough to set up
// without prompting (Docker and CI runs).
func canAutoOnboard() bool {
	return os.Getenv("GORP_DISCORD_TOKEN") != ""
}

// runAutoOnboard performs non-interactive setup from GORP_* environment
// variables, overwriting any existing config file.
func runAutoOnboard(cfgPath string) bool {
	fmt.Println("Environment variables detected, running non-interactive setup...")

	cfg := config.Default()
	cfg.ApplyEnvOverrides()

	if cfg.Discord.Token == "" {
		fmt.Println("  GORP_DISCORD_TOKEN is not set")
		return false
	}
	if len(cfg.Discord.OwnerIDs) == 0 {
		fmt.Println("  Note: GORP_OWNER_IDS is not set, control commands will be unavailable")
	}
	if cfg.Agent.APIKey == "" {
		fmt.Println("  Note: GORP_AGENT_API_KEY is not set, set it before starting the relay")
	}

	fmt.Printf("  Model:    %s\n", cfg.Agent.Model)
	fmt.Printf("  Base URL: %s\n", cfg.Agent.BaseURL)
	fmt.Printf("  Owners:   %d\n", len(cfg.Discord.OwnerIDs))

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("  Could not save config: %s\n", err)
		return false
	}

	fmt.Printf("  Config saved to %s\n", cfgPath)
	fmt.Println("Auto-onboard complete.")
	return true
}

func runOnboard() {
	cfgPath := resolveConfigPath()

	if canAutoOnboard() {
		if !runAutoOnboard(cfgPath) {
			os.Exit(1)
		}
		return
	}

	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite it?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil || !overwrite {
			fmt.Println("Setup canceled.")
			return
		}
	}

	cfg := config.Default()

	var (
		token   string
		ownerID string
		apiKey  string
		baseURL = cfg.Agent.BaseURL
		model   = cfg.Agent.Model
		alias   = "gorp"
	)

	required := func(name string) func(string) error {
		return func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New(name + " is required")
			}
			return nil
		}
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				Description("From the Discord developer portal, Bot tab. Needs the message content intent.").
				EchoMode(huh.EchoModePassword).
				Value(&token).
				Validate(required("token")),
			huh.NewInput().
				Title("Your Discord user ID").
				Description("Grants you the control commands (status, pause, flush, ...).").
				Value(&ownerID).
				Validate(required("owner ID")),
			huh.NewInput().
				Title("Bot alias").
				Description("Plain-text name the bot answers to, alongside @-mentions.").
				Value(&alias),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Agent API key").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Agent base URL").
				Description("Any OpenAI-compatible endpoint works.").
				Value(&baseURL),
			huh.NewInput().
				Title("Model").
				Value(&model),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup canceled.")
			return
		}
		fmt.Printf("Setup failed: %s\n", err)
		os.Exit(1)
	}

	cfg.Discord.Token = strings.TrimSpace(token)
	cfg.Discord.OwnerIDs = config.FlexibleStringSlice{strings.TrimSpace(ownerID)}
	if a := strings.TrimSpace(alias); a != "" {
		cfg.Discord.MentionAliases = []string{a}
	}
	cfg.Agent.APIKey = strings.TrimSpace(apiKey)
	cfg.Agent.BaseURL = strings.TrimSpace(baseURL)
	cfg.Agent.Model = strings.TrimSpace(model)

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("Failed to write config: %s\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Config written to %s\n", cfgPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  gorp doctor    verify the setup")
	fmt.Println("  gorp           start the relay")
}
