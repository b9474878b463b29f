package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewHistoryCmd constructs the `kpmatch history` command, which lists the
// most recent queries from the history database.
func NewHistoryCmd(opts *globalOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent queries",
		Long: `List the most recent queries recorded by 'kpmatch search' and the HTTP API,
newest first.

Examples:
  kpmatch history
  kpmatch history -n 50 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hist := openHistory(opts.log)
			defer func() { _ = hist.Close() }()

			entries, err := hist.Recent(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			if asJSON {
				return writeIndentedJSON(os.Stdout, entries)
			}
			if len(entries) == 0 {
				fmt.Println("No queries recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tORIGIN\tMODE\tLATENCY\tRESULTS\tQUERY")
			for _, e := range entries {
				results := strings.Join(e.ResultIDs, ",")
				if e.Error != "" {
					results = "error: " + e.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Local().Format(time.DateTime),
					e.Origin,
					e.Mode,
					time.Duration(e.Latency).Round(time.Millisecond),
					results,
					e.Query,
				)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	return cmd
}
