package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/kpmatch-go/internal/config"
	"github.com/54b3r/kpmatch-go/internal/embedder"
	"github.com/54b3r/kpmatch-go/internal/export"
	"github.com/54b3r/kpmatch-go/internal/index"
	"github.com/54b3r/kpmatch-go/internal/knowledge"
)

// NewIndexCmd constructs the `kpmatch index` command group.
func NewIndexCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build, inspect and export the vector index",
		Long: `Manage the persisted vector index.

The index is rebuilt automatically whenever the knowledge base, the embedding
model or the point set changes. These commands force or inspect that process.`,
	}
	cmd.AddCommand(
		newIndexBuildCmd(opts),
		newIndexStatusCmd(opts),
		newIndexExportCmd(opts),
	)
	return cmd
}

func newIndexBuildCmd(opts *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Load the index, rebuilding it if stale",
		Long: `Load the persisted index, rebuilding and saving it when it is missing or
stale. With --force the index is always rebuilt.

Examples:
  kpmatch index build
  kpmatch index build --force
  kpmatch --index-dir /var/lib/kpmatch index build`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := opts.log

			start := time.Now()
			b, err := initEngine(ctx, opts, engineOptions{}, log)
			if err != nil {
				return fmt.Errorf("index build: %w", err)
			}
			defer b.close()

			if force {
				if err := b.engine.UpdateIndex(ctx); err != nil {
					return fmt.Errorf("index build: %w", err)
				}
			}

			st := b.engine.Stats()
			log.Info("index ready",
				slog.String("source", st.Source),
				slog.Int("vectors", st.Vectors),
				slog.Bool("persisted", st.Persisted),
				slog.Duration("elapsed", time.Since(start)),
			)
			return writeIndentedJSON(os.Stdout, st)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Rebuild even when the persisted index is valid")
	return cmd
}

// indexStatus is the output of `kpmatch index status`.
type indexStatus struct {
	Dir         string          `json:"dir"`
	Found       bool            `json:"found"`
	Valid       bool            `json:"valid"`
	StaleReason string          `json:"stale_reason,omitempty"`
	Expected    expectedIndex   `json:"expected"`
	Metadata    *index.Metadata `json:"metadata,omitempty"`
}

type expectedIndex struct {
	Fingerprint string `json:"fingerprint"`
	ModelID     string `json:"model_id"`
	Count       int    `json:"count"`
}

func newIndexStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the persisted index matches the knowledge base",
		Long: `Compare the persisted index with the current knowledge base and embedding
model without rebuilding anything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := indexStatusFor(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("index status: %w", err)
			}
			return writeIndentedJSON(os.Stdout, st)
		},
	}
}

func indexStatusFor(ctx context.Context, opts *globalOptions) (*indexStatus, error) {
	store, err := knowledge.Load(opts.resolveKnowledgePath())
	if err != nil {
		return nil, err
	}
	dir, err := opts.resolveIndexDir()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, fmt.Errorf("persistence is disabled (%s=%s)", "KPMATCH_INDEX_DIR", indexDisabled)
	}
	mode, err := knowledge.ParseFingerprintMode(os.Getenv("KPMATCH_FINGERPRINT_MODE"))
	if err != nil {
		return nil, err
	}
	emb, err := embedder.NewFromEnv(ctx)
	if err != nil {
		return nil, err
	}

	want := index.Expectation{
		Fingerprint:       store.Fingerprint(mode),
		ModelID:           emb.ModelID(),
		Count:             store.Len(),
		ProjectionVersion: knowledge.ProjectionVersion,
		IDs:               store.IDs(),
	}
	st := &indexStatus{
		Dir: dir,
		Expected: expectedIndex{
			Fingerprint: want.Fingerprint,
			ModelID:     want.ModelID,
			Count:       want.Count,
		},
	}

	idx, found, err := index.Load(ctx, dir)
	if err != nil {
		st.Found = true
		st.StaleReason = err.Error()
		return st, nil
	}
	if !found {
		st.StaleReason = "no persisted index"
		return st, nil
	}
	meta := idx.Metadata()
	st.Found = true
	st.Metadata = &meta
	st.StaleReason = index.Staleness(meta, want)
	st.Valid = st.StaleReason == "" && index.IsValid(meta, want.Fingerprint, want.ModelID, want.Count)
	return st, nil
}

func newIndexExportCmd(opts *globalOptions) *cobra.Command {
	var (
		recreate   bool
		collection string
	)

	cmd := &cobra.Command{
		Use:   "export-qdrant",
		Short: "Publish the index to a Qdrant collection",
		Long: `Upsert every indexed vector, with its knowledge point as payload, into a
Qdrant collection. Point ids are derived from knowledge point ids, so
re-exporting overwrites rather than duplicates.

Connection settings come from QDRANT_HOST, QDRANT_PORT, QDRANT_COLLECTION,
QDRANT_API_KEY and QDRANT_TLS.

Examples:
  kpmatch index export-qdrant
  kpmatch index export-qdrant --collection sat_kp --recreate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := opts.log

			qcfg, err := qdrantConfigFromEnv()
			if err != nil {
				return fmt.Errorf("index export-qdrant: %w", err)
			}
			if collection != "" {
				qcfg.Collection = collection
			}
			q, err := export.NewQdrant(qcfg)
			if err != nil {
				return fmt.Errorf("index export-qdrant: %w", err)
			}
			defer func() {
				if cerr := q.Close(); cerr != nil {
					log.Warn("qdrant: close failed", slog.Any("error", cerr))
				}
			}()

			b, err := initEngine(ctx, opts, engineOptions{}, log)
			if err != nil {
				return fmt.Errorf("index export-qdrant: %w", err)
			}
			defer b.close()

			store, idx, err := b.engine.Snapshot()
			if err != nil {
				return fmt.Errorf("index export-qdrant: %w", err)
			}
			rep, err := q.Publish(ctx, idx, store, recreate)
			if err != nil {
				return fmt.Errorf("index export-qdrant: %w", err)
			}
			log.Info("index exported",
				slog.String("collection", rep.Collection),
				slog.Int("points", rep.Points),
				slog.Bool("created", rep.Created),
				slog.Bool("recreated", rep.Recreated),
			)
			return writeIndentedJSON(os.Stdout, rep)
		},
	}

	cmd.Flags().BoolVar(&recreate, "recreate", false, "Drop and recreate the collection if its vector size differs")
	cmd.Flags().StringVar(&collection, "collection", "", "Collection name (default: $QDRANT_COLLECTION or kpmatch)")
	return cmd
}

// qdrantConfigFromEnv reads the QDRANT_* variables.
func qdrantConfigFromEnv() (*export.QdrantConfig, error) {
	cfg := &export.QdrantConfig{
		Host:       os.Getenv("QDRANT_HOST"),
		Collection: config.EnvOr("QDRANT_COLLECTION", "kpmatch"),
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	}
	if p := os.Getenv("QDRANT_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("QDRANT_PORT=%q is not a valid port: %w", p, err)
		}
		cfg.Port = port
	}
	return cfg, nil
}
