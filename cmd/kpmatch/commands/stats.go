package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/54b3r/kpmatch-go/internal/knowledge"
)

// NewStatsCmd constructs the `kpmatch stats` command, which summarises the
// knowledge base without touching the index or the embedder.
func NewStatsCmd(opts *globalOptions) *cobra.Command {
	var (
		asJSON      bool
		list        bool
		category    string
		subcategory string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise the knowledge base",
		Long: `Print point counts per category, subcategory and difficulty.

With --list every point is listed instead, and with --category or
--subcategory only the matching ones.

Examples:
  kpmatch stats
  kpmatch stats --json
  kpmatch stats --list
  kpmatch stats --category Math`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := knowledge.Load(opts.resolveKnowledgePath())
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}

			if list || category != "" || subcategory != "" {
				var points []knowledge.KnowledgePoint
				switch {
				case category != "":
					points = store.ByCategory(category)
				case subcategory != "":
					points = store.BySubcategory(subcategory)
				default:
					points = store.All()
				}
				if asJSON {
					return writeIndentedJSON(os.Stdout, points)
				}
				return writePoints(os.Stdout, points)
			}

			st := store.Stats()
			if asJSON {
				return writeIndentedJSON(os.Stdout, st)
			}
			return writeStats(os.Stdout, store.Path(), st)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().BoolVar(&list, "list", false, "List every point")
	cmd.Flags().StringVar(&category, "category", "", "List points in this category (case-insensitive)")
	cmd.Flags().StringVar(&subcategory, "subcategory", "", "List points in this subcategory (case-insensitive)")
	cmd.MarkFlagsMutuallyExclusive("list", "category", "subcategory")

	return cmd
}

func writeStats(w io.Writer, path string, st knowledge.Stats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Knowledge base:\t%s\n", path)
	fmt.Fprintf(tw, "Total points:\t%d\n", st.TotalPoints)
	for _, sec := range []struct {
		title  string
		counts map[string]int
	}{
		{"Categories", st.Categories},
		{"Subcategories", st.Subcategories},
		{"Difficulties", st.Difficulties},
	} {
		fmt.Fprintf(tw, "\n%s:\n", sec.title)
		for _, name := range slices.Sorted(maps.Keys(sec.counts)) {
			fmt.Fprintf(tw, "  %s\t%d\n", name, sec.counts[name])
		}
	}
	return tw.Flush()
}

func writePoints(w io.Writer, points []knowledge.KnowledgePoint) error {
	if len(points) == 0 {
		_, err := fmt.Fprintln(w, "No matching points.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOPIC\tSUBCATEGORY\tDIFFICULTY")
	for _, kp := range points {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", kp.ID, kp.Topic, kp.Subcategory, kp.Difficulty)
	}
	return tw.Flush()
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
