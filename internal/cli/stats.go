package cli

import (
	"encoding/json"
	"fmt"

	"github.com/seanblong/docqa/internal/config"
	"github.com/spf13/cobra"
)

func newStatsCmd(cfg *config.Specification) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show what the saved index holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openRestored(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			stats := a.Service.Stats()
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(stats)
			}
			fmt.Fprintf(out, "state:      %s\n", stats.State)
			fmt.Fprintf(out, "chunks:     %d\n", stats.Count)
			fmt.Fprintf(out, "dimension:  %d\n", stats.Dim)
			if stats.Generation != "" {
				fmt.Fprintf(out, "generation: %s\n", stats.Generation)
			}
			fmt.Fprintf(out, "index dir:  %s\n", cfg.IndexDir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}
