package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/54b3r/firestarter-go/internal/chat"
	"github.com/54b3r/firestarter-go/internal/logging"
	"github.com/54b3r/firestarter-go/internal/provider"
	"github.com/54b3r/firestarter-go/internal/server"
	"github.com/54b3r/firestarter-go/internal/store"
	"github.com/54b3r/firestarter-go/internal/tracing"
)

// NewServeCmd constructs the `firestarter serve` command, which starts the
// HTTP server.
func NewServeCmd() *cobra.Command {
	var host string
	var port int
	var chatTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Firestarter HTTP server",
		Long: `Start the Firestarter HTTP server.

The server exposes the dashboard API (create, query, indexes), an
OpenAI-compatible /api/v1/chat/completions endpoint where every index is a
model named firecrawl-<namespace>, health and readiness probes, and
Prometheus metrics on /metrics.

Set FIRESTARTER_API_KEY to require a Bearer token on the API. Set REDIS_URL
to keep the index registry and rate limit counters in Redis so several
instances can share them.

Examples:
  firestarter serve
  firestarter serve --port 3000
  VECTOR_BACKEND=qdrant QDRANT_HOST=localhost firestarter serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			flush, _ := tracing.Setup(log)
			defer flush()

			pin, err := provider.PinFromEnv()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			creds := provider.CredentialsFromEnv()

			st, err := buildStack(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer st.Close()

			pipeline, err := st.pipeline()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			retriever, err := st.retriever()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			var rdb *redis.Client
			if rs, ok := st.registry.(*store.RedisStore); ok {
				rdb = rs.Client()
				log.Info("redis registry in use, rate limits are shared")
			}

			if !st.firecrawl.HasKey() {
				log.Warn("FIRECRAWL_API_KEY not set, create requests must send X-Firecrawl-API-Key")
			}

			pingers := []server.Pinger{
				server.NewPinger("vectors", st.vectors),
				server.NewPinger("registry", st.registry),
				server.NewLLMPinger(creds, pin),
			}
			if st.firecrawl.HasKey() {
				pingers = append(pingers, server.NewPinger("firecrawl", st.firecrawl))
			}

			srv, err := server.New(server.Deps{
				Chat: chat.Options{
					Retriever:   retriever,
					Credentials: creds,
					Pin:         pin,
					Model:       provider.ConfigFromEnv(),
					Limits:      st.limits,
				},
				Pipeline:  pipeline,
				Firecrawl: st.firecrawl,
				Registry:  st.registry,
				Vectors:   st.vectors,
				Redis:     rdb,
			}, &server.Config{
				Host:        host,
				Port:        port,
				ChatTimeout: chatTimeout,
				Logger:      log,
				Pingers:     pingers,
				APIKey:      os.Getenv("FIRESTARTER_API_KEY"),
				Limits:      st.limits,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", getEnvOrDefault("FIRESTARTER_HOST", "127.0.0.1"), "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", getEnvInt("FIRESTARTER_PORT", 8080), "TCP port to listen on")
	cmd.Flags().DurationVar(&chatTimeout, "chat-timeout", 5*time.Minute, "Upper bound on a single chat turn")

	return cmd
}
