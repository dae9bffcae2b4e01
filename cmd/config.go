package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gorpbot/gorp/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Run: func(cmd *cobra.Command, args []string) {
			runConfigShow()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path in effect",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})
	return cmd
}

// runConfigShow prints the config as the process would see it: file values,
// env overrides applied, secrets masked.
func runConfigShow() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %s\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(cfg.MaskedCopy(), "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode config: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("// %s (hash %s)\n", cfgPath, cfg.Hash())
	fmt.Println(string(out))
}
