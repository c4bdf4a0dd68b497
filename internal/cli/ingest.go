package cli

import (
	"fmt"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/seanblong/docqa/internal/app"
	"github.com/seanblong/docqa/internal/config"
	"github.com/seanblong/docqa/internal/extract"
	"github.com/spf13/cobra"
)

func newIngestCmd(cfg *config.Specification) *cobra.Command {
	var (
		include    []string
		noProgress bool
	)

	cmd := &cobra.Command{
		Use:   "ingest PATH...",
		Short: "Replace the index with the given documents",
		Long: `Extract every PDF and PowerPoint file under the given paths and rebuild
the index from them. The previous index is replaced, not extended.
Paths may be files, directories or glob patterns.

Examples:
  docqa ingest report.pdf slides.pptx
  docqa ingest ./docs --include '**/*.pdf' --include 'decks/*.pptx'
  docqa ingest 'archive/**/*.pdf'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := extract.Collect(args, include)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no supported documents found under %v", args)
			}

			a, err := app.New(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if !noProgress {
				a.Indexer.Progress = newEmbedProgress(cmd)
			}

			start := time.Now()
			fmt.Fprintf(out, "Ingesting %d document(s)...\n", len(files))
			results, err := a.Service.IngestFiles(cmd.Context(), files)
			if err != nil {
				return fmt.Errorf("ingest failed: %w", err)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tCHUNKS")
			total := 0
			for _, r := range results {
				fmt.Fprintf(tw, "%s\t%d\n", r.Path, r.Chunks)
				total += r.Chunks
			}
			_ = tw.Flush()

			stats := a.Service.Stats()
			fmt.Fprintf(out, "\nIndexed %d chunk(s) of dimension %d in %s\n", total, stats.Dim, time.Since(start).Round(time.Millisecond))
			fmt.Fprintf(out, "Index stored at: %s\n", cfg.IndexDir)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&include, "include", nil, "glob patterns (relative to each directory) selecting files to ingest")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "do not draw a progress bar")
	return cmd
}

// newEmbedProgress returns an Indexer progress callback drawing a bar on stderr.
func newEmbedProgress(cmd *cobra.Command) func(done, total int) {
	var (
		mu   sync.Mutex
		bar  *progressbar.ProgressBar
		seen int
	)
	return func(done, total int) {
		mu.Lock()
		defer mu.Unlock()

		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionSetDescription("[cyan]Embedding[reset]"),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "[green]=[reset]",
					SaucerHead:    "[green]>[reset]",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
				progressbar.OptionOnCompletion(func() {
					fmt.Fprintln(cmd.ErrOrStderr())
				}),
			)
		}
		// batches finish out of order
		if done > seen {
			seen = done
			_ = bar.Set(done)
		}
	}
}
