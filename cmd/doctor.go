package cmd

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"

	"github.com/gorpbot/gorp/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("gorp doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults and env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	fmt.Printf("  Hash:     %s\n", cfg.Hash())

	fmt.Println()
	fmt.Println("  Discord:")
	checkSecret("Token", cfg.Discord.Token)
	fmt.Printf("    %-12s %s\n", "Aliases:", strings.Join(cfg.MentionAliases(), ", "))
	fmt.Printf("    %-12s %d configured\n", "Owners:", len(cfg.Discord.OwnerIDs))
	if cfg.Discord.Token != "" {
		checkDiscordToken(cfg.Discord.Token)
	}

	fmt.Println()
	fmt.Println("  Agent:")
	checkSecret("API key", cfg.Agent.APIKey)
	fmt.Printf("    %-12s %s\n", "Base URL:", cfg.Agent.BaseURL)
	fmt.Printf("    %-12s %s\n", "Model:", cfg.Agent.Model)
	fmt.Printf("    %-12s %s\n", "Timeout:", cfg.RequestTimeout())

	fmt.Println()
	fmt.Println("  Relay:")
	fmt.Printf("    %-12s %s\n", "Window:", cfg.InteractionTimeout())
	fmt.Printf("    %-12s %s\n", "Batch:", cfg.BatchInterval())
	fmt.Printf("    %-12s %d messages per hour\n", "Budget:", cfg.Relay.MaxMessagesPerHour)
	forwarding := "paused"
	if cfg.ForwardingEnabled() {
		forwarding = "enabled"
	}
	fmt.Printf("    %-12s %s\n", "Forwarding:", forwarding)

	fmt.Println()
	fmt.Println("  Attachments:")
	fmt.Printf("    %-12s %d bytes\n", "Max size:", cfg.Attachments.MaxBytes)
	fmt.Printf("    %-12s %d parallel fetches\n", "Concurrency:", cfg.Attachments.Concurrency)
	fmt.Printf("    %-12s %s\n", "Timeout:", cfg.FetchTimeout())

	jobs := cfg.ReportJobs()
	fmt.Println()
	fmt.Printf("  Reports: %d configured\n", len(jobs))
	gron := gronx.New()
	for _, job := range jobs {
		status := "OK"
		if job.Cron == "" || !gron.IsValid(job.Cron) {
			status = "INVALID CRON"
		} else if job.ChannelID == "" || job.Prompt == "" {
			status = "INCOMPLETE"
		}
		name := job.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("    %-12s %q (%s)\n", name+":", job.Cron, status)
	}

	fmt.Println()
	telemetry := "disabled"
	if cfg.Telemetry.Enabled {
		telemetry = "enabled, exporting to " + cfg.Telemetry.Endpoint
	}
	fmt.Printf("  Telemetry: %s\n", telemetry)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	masked := "****"
	if len(value) > 8 {
		masked = value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

// checkDiscordToken verifies the token against the Discord REST API
// without opening a gateway connection.
func checkDiscordToken(token string) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		fmt.Printf("    %-12s INVALID (%s)\n", "Status:", err)
		return
	}
	session.Client.Timeout = 10 * time.Second

	me, err := session.User("@me")
	if err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s OK (logged in as %s)\n", "Status:", me.Username)
}
