package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/agent"
)

// agentCmd is the container entrypoint. The host writes one
// ContainerInput to stdin and reads the framed result from stdout, so
// logging must stay on stderr.
func agentCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "agent",
		Short:  "Run one sandboxed agent invocation (container entrypoint)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(os.Stderr)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := agent.NewGeminiClient()
			if err != nil {
				return err
			}
			a := agent.New(agent.DefaultWorkspace(), client)
			return a.Execute(ctx, os.Stdin, os.Stdout)
		},
	}
}
