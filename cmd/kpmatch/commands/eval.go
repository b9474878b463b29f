package commands

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/54b3r/kpmatch-go/internal/eval"
	"github.com/54b3r/kpmatch-go/internal/retrieval"
)

// NewEvalCmd constructs the `kpmatch eval` command, which runs a set of
// labelled queries and reports topic precision and recall.
func NewEvalCmd(opts *globalOptions) *cobra.Command {
	var (
		casesPath  string
		outputPath string
		k, m, n    int
		rerankFlag bool
	)

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate retrieval quality against labelled cases",
		Long: `Run every case in a demo cases file and compare the retrieved topics with
the expected ones. The full report is written as JSON to --output and a
summary is printed.

Examples:
  kpmatch eval
  kpmatch eval --cases examples/demo_cases.json -k 10
  kpmatch eval --rerank -m 20 -n 5 --output rerank_results.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := opts.log

			cases, err := eval.LoadCases(casesPath)
			if err != nil {
				return fmt.Errorf("eval: %w", err)
			}

			b, err := initEngine(ctx, opts, engineOptions{withReranker: rerankFlag}, log)
			if err != nil {
				return fmt.Errorf("eval: %w", err)
			}
			defer b.close()

			mode := retrieval.ModeSingle
			retrieve := func(ctx context.Context, q string) (*retrieval.Response, error) {
				return b.engine.Retrieve(ctx, q, k)
			}
			if rerankFlag {
				mode = retrieval.ModeRerank
				retrieve = func(ctx context.Context, q string) (*retrieval.Response, error) {
					return b.engine.RetrieveWithReranking(ctx, q, m, n)
				}
			}

			rep, err := eval.Run(ctx, mode, cases, retrieve, log)
			if err != nil {
				return fmt.Errorf("eval: %w", err)
			}

			f, err := os.Create(outputPath)
			if err != nil {
				return fmt.Errorf("eval: %w", err)
			}
			if err := rep.WriteJSON(f); err != nil {
				_ = f.Close()
				return fmt.Errorf("eval: writing %s: %w", outputPath, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("eval: %w", err)
			}
			log.Info("evaluation report written", slog.String("path", outputPath))

			fmt.Printf("Evaluated %d cases (%d failed), mode %s\n\n", rep.Summary.TotalCases, rep.Summary.Failed, rep.Mode)
			for _, name := range slices.Sorted(maps.Keys(rep.Summary.Metrics)) {
				a := rep.Summary.Metrics[name]
				fmt.Printf("  %-20s mean %.4f  min %.4f  max %.4f\n", name, a.Mean, a.Min, a.Max)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&casesPath, "cases", "examples/demo_cases.json", "Demo cases file")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "evaluation_results.json", "Where to write the JSON report")
	cmd.Flags().IntVarP(&k, "top-k", "k", 5, "Results per query without reranking")
	cmd.Flags().BoolVar(&rerankFlag, "rerank", false, "Evaluate the two-stage retrieve and rerank pipeline")
	cmd.Flags().IntVarP(&m, "candidates", "m", 20, "First-stage candidates when reranking")
	cmd.Flags().IntVarP(&n, "results", "n", 5, "Results kept after reranking")

	return cmd
}
