package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "coditime",
	Short: "coditime is a self-hosted coding time tracker",
	Long: `A self-hosted time tracking server for editor plugins and the coditime CLI.
Accounts, API keys and CLI pairing are served under /api.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to the configuration file")
}

func defaultConfigPath() string {
	if p := os.Getenv("CODITIME_CONFIG"); p != "" {
		return p
	}
	return "config.toml"
}
