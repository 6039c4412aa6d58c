// Package cmd wires the nanoclaw CLI: the supervisor (serve), the
// sandbox entrypoint (agent), and the operator commands (onboard,
// doctor, migrate).
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/nanoclaw/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "nanoclaw",
	Short: "NanoClaw - chat-driven AI agent supervisor",
	Long: "NanoClaw turns group chats into AI agent workspaces: messages are batched per channel,\n" +
		"processed by a Gemini agent inside a hardened container, and replies flow back through\n" +
		"the originating chat. Includes a scheduler for recurring agent tasks.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json5 or $NANOCLAW_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nanoclaw %s\n", Version)
		},
	}
}

// resolveConfigPath picks the config file: flag, env, working dir, then
// the default data dir.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("NANOCLAW_CONFIG"); v != "" {
		return v
	}
	if _, err := os.Stat("config.json5"); err == nil {
		return "config.json5"
	}
	return filepath.Join(config.ExpandHome("~/.nanoclaw"), "config.json5")
}

// setupLogging installs the default slog handler. The supervisor logs
// to stdout; the sandbox entrypoint overrides this to stderr because
// its stdout carries the framed result.
func setupLogging(w *os.File) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
