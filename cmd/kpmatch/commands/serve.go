package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/kpmatch-go/internal/config"
	"github.com/54b3r/kpmatch-go/internal/export"
	"github.com/54b3r/kpmatch-go/internal/logging"
	"github.com/54b3r/kpmatch-go/internal/server"
)

// NewServeCmd constructs the `kpmatch serve` command, which starts the HTTP
// API. The index is loaded in the background; /api/ready reports 503 until
// it is ready.
func NewServeCmd(opts *globalOptions) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kpmatch HTTP API",
		Long: `Start the kpmatch HTTP API.

Search, rerank and index management are exposed under /api, with health and
readiness probes and Prometheus metrics on /metrics. When KPMATCH_API_KEY is
set every /api route except the probes requires a Bearer token.

Examples:
  kpmatch serve
  kpmatch serve --port 9090
  RERANK_BACKEND=http RERANK_ENDPOINT=http://localhost:8081/rerank kpmatch serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := opts.log
			ctx = logging.WithLogger(ctx, log)

			if !cmd.Flags().Changed("host") {
				host = config.EnvOr("KPMATCH_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = config.EnvInt("KPMATCH_PORT", port)
			}
			rateLimit, err := config.EnvFloat("KPMATCH_RATE_LIMIT", 0)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			b, err := buildEngine(ctx, opts, engineOptions{
				withReranker: true,
				registerer:   prometheus.DefaultRegisterer,
			}, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer b.close()

			pingers := b.pingers
			if os.Getenv("QDRANT_HOST") != "" {
				qcfg, err := qdrantConfigFromEnv()
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				q, err := export.NewQdrant(qcfg)
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				defer func() { _ = q.Close() }()
				pingers = append(pingers, q)
			}

			hist := openHistory(log)
			defer func() { _ = hist.Close() }()

			srv, err := server.New(b.engine, &server.Config{
				Host:             host,
				Port:             port,
				Logger:           log,
				Pingers:          pingers,
				APIKey:           os.Getenv("KPMATCH_API_KEY"),
				RateLimit:        rateLimit,
				RateBurst:        config.EnvInt("KPMATCH_RATE_BURST", 0),
				RerankCandidates: config.EnvInt("RERANK_CANDIDATES", 0),
				History:          hist,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			go func() {
				if err := b.engine.Initialize(ctx); err != nil {
					log.Warn("engine not ready, queries return 503 until restart", slog.Any("error", err))
				}
			}()

			return srv.Start(ctx) //nolint:wrapcheck // CLI entry point
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (default: $KPMATCH_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on (default: $KPMATCH_PORT)")

	return cmd
}
