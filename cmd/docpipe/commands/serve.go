package commands

import (
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/docpipe-go/internal/config"
	"github.com/54b3r/docpipe-go/internal/logging"
	"github.com/54b3r/docpipe-go/internal/pipeline"
	"github.com/54b3r/docpipe-go/internal/rag"
	"github.com/54b3r/docpipe-go/internal/server"
)

// NewServeCmd constructs the `docpipe serve` command, which starts the HTTP
// API and the background parse sweeper.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the docpipe HTTP API",
		Long: `Start the docpipe HTTP API.

Routes:
  GET  /api/health               liveness
  GET  /api/ready                store, embedder and qdrant probes
  GET  /metrics                  Prometheus metrics
  POST /api/documents            {"path": "..."} ingest a file under DOCPIPE_INGEST_ROOT
  GET  /api/documents?status=    list records
  GET  /api/documents/{id}       get a record
  POST /api/documents/{id}/parse re-chunk a record
  POST /api/search               {"query": "...", "top_k": 5}

Records left Unparsed are parsed on the PARSE_SCHEDULE cron schedule
(default every 15 minutes; "off" disables). DOCPIPE_API_KEY enables
Bearer authentication on /api/documents and /api/search.

DOCPIPE_INGEST_ROOT (default: the working directory) confines ingest
paths. DOCPIPE_RATE_LIMIT and DOCPIPE_RATE_BURST set the per-client token
bucket on ingest, parse and search (default 10/s, burst 20).

Examples:
  docpipe serve
  docpipe serve --port 9090
  VECTOR_BACKEND=qdrant docpipe serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log := logging.FromContext(ctx)

			// Defaults resolve here, after the config file has been exported.
			if !cmd.Flags().Changed("host") {
				host = config.EnvOr("DOCPIPE_HOST", "127.0.0.1")
			}
			if !cmd.Flags().Changed("port") {
				port = config.EnvInt("DOCPIPE_PORT", 8080)
			}

			a, err := openApp(ctx, log, appOptions{parse: true, registerer: prometheus.DefaultRegisterer})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer a.Close()

			pingers := []server.Pinger{
				server.NewStorePinger(a.store),
				server.NewEmbedderPinger(a.embedder, a.embedder.Name()),
			}
			if q, ok := a.vectors.Index().(*rag.QdrantIndex); ok {
				pingers = append(pingers, server.NewQdrantPinger(q.Client()))
			}

			schedule := config.EnvOr("PARSE_SCHEDULE", pipeline.DefaultSchedule)
			if !strings.EqualFold(schedule, "off") {
				sweeper, err := pipeline.NewSweeper(a.pipeline, schedule, log)
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				sweeper.Start(ctx)
				defer sweeper.Stop()
				log.Info("parse sweeper scheduled", slog.String("schedule", schedule))
			}

			srv, err := server.New(a.pipeline, &server.Config{
				Host:       host,
				Port:       port,
				Logger:     log,
				Pingers:    pingers,
				APIKey:     config.EnvOr("DOCPIPE_API_KEY", ""),
				IngestRoot: config.EnvOr("DOCPIPE_INGEST_ROOT", ""),
				RateLimit:  config.EnvFloat("DOCPIPE_RATE_LIMIT", 0),
				RateBurst:  config.EnvInt("DOCPIPE_RATE_BURST", 0),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (env DOCPIPE_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on (env DOCPIPE_PORT)")

	return cmd
}
