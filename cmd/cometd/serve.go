package main

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vango-dev/cometd"
	"github.com/vango-dev/cometd/internal/config"
	"github.com/vango-dev/cometd/pkg/cometdtest"
	"github.com/vango-dev/cometd/pkg/ext"
)

// serveFlags override the "server" section of cometd.json.
type serveFlags struct {
	addr    string
	timeout time.Duration
	ack     bool
	metrics bool
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var sf serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a development Bayeux server",
		Long: `Run an in-process Bayeux server for local development. It speaks
websocket, long-polling and callback-polling on /cometd, keeps
subscriptions in memory, and forwards every publish to subscribers.

With --jwt-secret, handshakes must carry a token signed with the secret,
as the subscribe and publish commands do when given the same flag.

Examples:
  cometd serve
  cometd serve --addr :8080 --timeout 10s --metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", serveAddr(cfg, sf))
			if err != nil {
				return err
			}
			return runServe(ctx, cfg, sf, ln)
		},
	}

	cmd.Flags().StringVarP(&sf.addr, "addr", "a", "", "Address to listen on (default from cometd.json or localhost:8080)")
	cmd.Flags().DurationVar(&sf.timeout, "timeout", 0, "How long /meta/connect is held")
	cmd.Flags().BoolVar(&sf.ack, "ack", false, "Enable the acknowledgement extension")
	cmd.Flags().BoolVar(&sf.metrics, "metrics", false, "Serve Prometheus metrics on /metrics")

	return cmd
}

func serveAddr(cfg *config.Config, sf serveFlags) string {
	if sf.addr != "" {
		return sf.addr
	}
	return cfg.Server.Addr
}

// newServerHandler mounts the Bayeux server on /cometd.
func newServerHandler(cfg *config.Config, sf serveFlags, logger *slog.Logger) (http.Handler, *cometdtest.Server) {
	opts := []cometdtest.Option{
		cometdtest.WithLogger(logger),
		cometdtest.WithTimeout(cfg.Server.Timeout.Std()),
		cometdtest.WithInterval(cfg.Server.Interval.Std()),
		cometdtest.WithTransports(cfg.Server.Transports...),
		cometdtest.WithMaxRequestSize(cfg.Server.MaxRequestSize),
	}
	if sf.timeout > 0 {
		opts = append(opts, cometdtest.WithTimeout(sf.timeout))
	}
	if cfg.Server.Ack || sf.ack {
		opts = append(opts, cometdtest.WithAck())
	}
	if cfg.Auth.Secret != "" {
		key := []byte(cfg.Auth.Secret)
		verify := ext.VerifyHandshake(func(*jwt.Token) (any, error) { return key, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		opts = append(opts, cometdtest.WithAuthenticator(verify))
	}
	srv := cometdtest.New(opts...)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Mount("/cometd", srv)
	if cfg.Metrics.Enabled || sf.metrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r, srv
}

func runServe(ctx context.Context, cfg *config.Config, sf serveFlags, ln net.Listener) error {
	level, err := cometd.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	handler, bayeuxServer := newServerHandler(cfg, sf, logger)
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	success("serving Bayeux on http://%s/cometd", ln.Addr())
	info("transports: %v", cfg.Server.Transports)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	info("shutting down")
	bayeuxServer.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
