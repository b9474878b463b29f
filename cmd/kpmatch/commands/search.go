package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/kpmatch-go/internal/config"
	"github.com/54b3r/kpmatch-go/internal/enrich"
	"github.com/54b3r/kpmatch-go/internal/format"
	"github.com/54b3r/kpmatch-go/internal/history"
	"github.com/54b3r/kpmatch-go/internal/retrieval"
)

// NewSearchCmd constructs the `kpmatch search` command, which runs one query
// against the knowledge base and prints the matches.
func NewSearchCmd(opts *globalOptions) *cobra.Command {
	var (
		k          int
		m          int
		n          int
		threshold  float64
		rerankFlag bool
		noEnrich   bool
		strategy   string
		policy     string
		lenient    bool
		outFormat  string
	)

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Find the knowledge points that match a question",
		Long: `Search the knowledge base for the points most relevant to a question.

By default the top -k points by embedding similarity are returned. With
--threshold only points at or above that similarity are kept. With --rerank
the top -m candidates are rescored by the reranker and the best -n returned.

Examples:
  kpmatch search "solve for x: 2x + 5 = 13"
  kpmatch search -k 10 --strategy expansion "area of a circle"
  kpmatch search --rerank -m 20 -n 5 "probability of drawing two aces"
  kpmatch search --threshold 0.6 --format json "slope of a line"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := opts.log
			query := strings.Join(args, " ")
			if !cmd.Flags().Changed("candidates") {
				m = config.EnvInt("RERANK_CANDIDATES", m)
			}

			kind, err := format.ParseKind(outFormat)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			var qopts []retrieval.QueryOption
			strat := enrich.Strategy(strategy)
			if noEnrich {
				strat = enrich.None
			}
			if strat != "" {
				parsed, err := enrich.ParseStrategy(string(strat))
				if err != nil {
					return fmt.Errorf("search: %w", err)
				}
				qopts = append(qopts, retrieval.WithStrategy(parsed))
				strat = parsed
			}
			if lenient {
				policy = "lenient"
			}
			if policy != "" {
				p, err := retrieval.ParsePolicy(policy)
				if err != nil {
					return fmt.Errorf("search: %w", err)
				}
				qopts = append(qopts, retrieval.WithPolicy(p))
			}

			b, err := initEngine(ctx, opts, engineOptions{withReranker: rerankFlag}, log)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer b.close()

			hist := openHistory(log)
			defer func() {
				if cerr := hist.Close(); cerr != nil {
					log.Warn("history: close failed", slog.Any("error", cerr))
				}
			}()

			params := history.Params{Strategy: string(strat)}
			if params.Strategy == "" {
				params.Strategy = b.engine.Stats().Strategy
			}
			var run func(context.Context) (*retrieval.Response, error)
			switch {
			case rerankFlag:
				params.Mode, params.M, params.N = retrieval.ModeRerank, m, n
				run = func(ctx context.Context) (*retrieval.Response, error) {
					return b.engine.RetrieveWithReranking(ctx, query, m, n, qopts...)
				}
			case cmd.Flags().Changed("threshold"):
				params.Mode, params.K, params.Threshold = retrieval.ModeThreshold, k, threshold
				run = func(ctx context.Context) (*retrieval.Response, error) {
					return b.engine.RetrieveWithThreshold(ctx, query, k, threshold, qopts...)
				}
			default:
				params.Mode, params.K = retrieval.ModeSingle, k
				run = func(ctx context.Context) (*retrieval.Response, error) {
					return b.engine.Retrieve(ctx, query, k, qopts...)
				}
			}

			start := time.Now()
			resp, err := run(ctx)
			entry := history.NewEntry("cli", query, params, resp, time.Since(start), err)
			if herr := hist.Record(ctx, entry); herr != nil {
				log.Warn("history: record failed", slog.Any("error", herr))
			}
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			if resp.Degraded {
				log.Warn("reranking skipped, showing first-stage order", slog.String("reason", resp.DegradeReason))
			}

			return format.Write(os.Stdout, kind, resp) //nolint:wrapcheck // CLI entry point
		},
	}

	cmd.Flags().IntVarP(&k, "top-k", "k", 5, "Number of results for single and threshold search")
	cmd.Flags().BoolVar(&rerankFlag, "rerank", false, "Rescore first-stage candidates with the configured reranker")
	cmd.Flags().IntVarP(&m, "candidates", "m", 20, "First-stage candidates passed to the reranker")
	cmd.Flags().IntVarP(&n, "results", "n", 5, "Results kept after reranking")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Minimum similarity in [0,1]; enables threshold search")
	cmd.Flags().BoolVar(&noEnrich, "no-enrich", false, "Embed the query as typed (same as --strategy none)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "Enrichment strategy: none, expansion, rewriting, auto (default: $KPMATCH_ENRICH_STRATEGY or auto)")
	cmd.Flags().StringVar(&policy, "policy", "", "Rerank failure policy: strict or lenient (default: $RERANK_POLICY or strict)")
	cmd.Flags().BoolVar(&lenient, "lenient", false, "Fall back to first-stage order when reranking fails (same as --policy lenient)")
	cmd.Flags().StringVarP(&outFormat, "format", "f", "text", "Output format: text, markdown, json")
	cmd.MarkFlagsMutuallyExclusive("rerank", "threshold")
	cmd.MarkFlagsMutuallyExclusive("lenient", "policy")

	return cmd
}
