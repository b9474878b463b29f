// Package commands defines all Cobra CLI commands for the kpmatch binary.
package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/kpmatch-go/internal/audit"
	"github.com/54b3r/kpmatch-go/internal/config"
	"github.com/54b3r/kpmatch-go/internal/logging"
)

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	// configPath is the --config value.
	configPath string
	// loadedConfigPath is the config file actually applied, for audit logging.
	loadedConfigPath string
	// knowledgePath overrides KPMATCH_KNOWLEDGE_PATH.
	knowledgePath string
	// indexDir overrides KPMATCH_INDEX_DIR.
	indexDir string
	// log is built after the config file is applied so LOG_LEVEL and
	// LOG_FORMAT from YAML take effect.
	log *slog.Logger
}

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "kpmatch",
		Short: "kpmatch matches questions to knowledge points",
		Long: `kpmatch finds the knowledge points most relevant to a free-text question.

Queries are optionally enriched with synonyms, embedded, and matched against a
persisted vector index of the knowledge base. A second reranking stage can
rescore the candidates with a cross-encoder or an LLM judge.

The embedding backend is selected with EMBEDDING_PROVIDER and the reranker
with RERANK_BACKEND, either in the environment or in a YAML config file
(~/.kpmatch/config.yaml). See 'kpmatch --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Env vars always override YAML values.
			path, err := config.Load(opts.configPath, log)
			if err != nil {
				return err
			}
			opts.loadedConfigPath = path
			opts.log = logging.New()

			audit.LogCommandStart(cmd.Context(), opts.log, cmd.CommandPath(), opts.loadedConfigPath)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to YAML config file (default: ~/.kpmatch/config.yaml)")
	root.PersistentFlags().StringVar(&opts.knowledgePath, "knowledge", "", "Knowledge base file, JSON or YAML (default: $KPMATCH_KNOWLEDGE_PATH or "+defaultKnowledgePath+")")
	root.PersistentFlags().StringVar(&opts.indexDir, "index-dir", "", `Index directory, or "disabled" to keep the index in memory (default: $KPMATCH_INDEX_DIR or ~/.kpmatch/index)`)

	root.AddCommand(
		NewSearchCmd(opts),
		NewIndexCmd(opts),
		NewStatsCmd(opts),
		NewEvalCmd(opts),
		NewHistoryCmd(opts),
		NewServeCmd(opts),
		NewVersionCmd(),
	)

	return root
}
