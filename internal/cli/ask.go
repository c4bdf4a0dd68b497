package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/seanblong/docqa/internal/config"
	"github.com/spf13/cobra"
)

func newAskCmd(cfg *config.Specification) *cobra.Command {
	var (
		k      int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Answer a question from the saved index",
		Long: `Retrieve the passages most similar to the question and extract an answer
from them.

Examples:
  docqa ask "What is the capital of France?"
  docqa ask -k 5 --json "Who built the Eiffel Tower?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openRestored(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if k <= 0 {
				k = cfg.TopK
			}
			res, err := a.Service.Answer(cmd.Context(), strings.Join(args, " "), k)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			if res.Answer == "" {
				fmt.Fprintln(out, "No answer found.")
			} else {
				fmt.Fprintf(out, "%s\n", res.Answer)
			}
			fmt.Fprintf(out, "confidence: %.2f\n", res.Confidence)
			if len(res.RelevantChunks) > 0 {
				fmt.Fprintln(out, "\nsources:")
				for i, r := range res.RelevantChunks {
					fmt.Fprintf(out, "  %d. [chunk %d, score %.3f] %s\n", i+1, r.Ordinal, r.Score, preview(r.Text, 120))
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "k", "k", 0, "number of passages to retrieve (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
