// Package cli implements the docqa command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/seanblong/docqa/internal/app"
	"github.com/seanblong/docqa/internal/auth"
	"github.com/seanblong/docqa/internal/config"
	"github.com/seanblong/docqa/internal/store"
	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree. Configuration flags are shared by every
// subcommand and resolved before it runs.
func NewRootCmd() *cobra.Command {
	var cfg *config.Specification

	root := &cobra.Command{
		Use:   "docqa",
		Short: "Ask questions about PDF and PowerPoint documents",
		Long: `docqa extracts text from PDF and PowerPoint files, indexes it with
embeddings and answers questions from the most relevant passages.

Example usage:
  docqa ingest ./docs --include '**/*.pdf'   # Replace the index with these documents
  docqa ask "What is the capital of France?"  # Answer from the saved index
  docqa stats                                 # Show what the saved index holds`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Resolve(cfg, cmd.Flags()); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if _, err := app.NewLogger(cfg.LogLevel, zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}); err != nil {
				return err
			}
			auth.InitializeAuth(cfg.Auth.JwtSecret, cfg.Auth.Enabled)
			return nil
		},
	}
	cfg = config.Bind(root.PersistentFlags())

	root.AddCommand(
		newIngestCmd(cfg),
		newAskCmd(cfg),
		newStatsCmd(cfg),
		newTokenCmd(cfg),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// openRestored builds the app and loads the saved index. A missing index is
// not an error; the service simply stays empty.
func openRestored(ctx context.Context, cfg *config.Specification) (*app.App, error) {
	a, err := app.New(ctx, *cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Service.Restore(ctx); err != nil && !errors.Is(err, store.ErrMissingArtifact) {
		a.Close()
		return nil, err
	}
	return a, nil
}
