package main

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/cometd"
	"github.com/vango-dev/cometd/internal/config"
	"github.com/vango-dev/cometd/internal/errors"
	"github.com/vango-dev/cometd/pkg/bayeux"
	"github.com/vango-dev/cometd/pkg/ext"
	"github.com/vango-dev/cometd/pkg/transport"
)

// globalFlags are the flags every command shares.
type globalFlags struct {
	url        string
	configPath string
	transports []string
	logLevel   string
	name       string
	jwtSecret  string
}

// loadConfig reads --config when given and applies the flag overrides.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg := config.New()
	if flags.configPath != "" {
		loaded, err := config.LoadFile(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if flags.url != "" {
		cfg.URL = flags.url
	}
	if len(flags.transports) > 0 {
		cfg.Transports = flags.transports
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.jwtSecret != "" {
		cfg.Auth.Secret = flags.jwtSecret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// clientName returns the --name flag or a generated one.
func clientName(flags *globalFlags) string {
	if flags.name != "" {
		return flags.name
	}
	return "cli-" + strings.ToLower(ulid.Make().String())
}

func newTransport(typ string, httpClient *http.Client) (transport.Transport, error) {
	switch typ {
	case transport.TypeWebSocket:
		return transport.NewWebSocket(nil), nil
	case transport.TypeLongPolling:
		return transport.NewLongPolling(httpClient), nil
	case transport.TypeCallbackPolling:
		return transport.NewCallbackPolling(httpClient), nil
	default:
		return nil, errors.New("C007").WithSubject(typ)
	}
}

// session is a handshaken client.
type session struct {
	client *cometd.Client
	config *cometd.Config
	errs   chan error
}

// dial builds a client from cfg and waits for its handshake. A failed
// handshake is returned as an error instead of being retried.
func dial(ctx context.Context, flags *globalFlags, cfg *config.Config) (*session, error) {
	clientCfg, err := cfg.ClientConfig()
	if err != nil {
		return nil, err
	}

	name := clientName(flags)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := cometd.New(name,
		cometd.WithLogger(logger),
		cometd.WithoutDefaultTransports(),
	)

	httpClient := &http.Client{}
	for _, typ := range cfg.Transports {
		t, err := newTransport(typ, httpClient)
		if err != nil {
			client.Close()
			return nil, err
		}
		if _, err := client.RegisterTransport(typ, t, -1); err != nil {
			client.Close()
			return nil, err
		}
	}
	if err := registerExtensions(client, cfg, name, logger); err != nil {
		client.Close()
		return nil, err
	}

	s := &session{client: client, config: clientCfg, errs: make(chan error, 1)}
	clientCfg.OnError = func(err error) {
		select {
		case s.errs <- err:
		default:
		}
	}

	handshakes := make(chan *bayeux.Message, 1)
	hs, err := client.AddListener(bayeux.MetaHandshake, func(m *bayeux.Message) {
		select {
		case handshakes <- m:
		default:
		}
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	defer client.RemoveListener(hs)

	if err := client.Init(clientCfg, nil); err != nil {
		client.Close()
		return nil, errors.New("C003").Wrap(err)
	}

	select {
	case m := <-handshakes:
		if err := handshakeError(m); err != nil {
			client.Close()
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		client.Close()
		return nil, ctx.Err()
	}
}

func registerExtensions(client *cometd.Client, cfg *config.Config, name string, logger *slog.Logger) error {
	if cfg.Ack {
		if _, err := client.RegisterExtension("ack", ext.NewAck()); err != nil {
			return err
		}
	}
	if cfg.Auth.Secret != "" {
		subject := cfg.Auth.Subject
		if subject == "" {
			subject = name
		}
		auth := ext.NewAuth(ext.HMACTokenSource([]byte(cfg.Auth.Secret), subject, cfg.Auth.TTL.Std()))
		auth.Logger = logger
		if _, err := client.RegisterExtension("auth", auth); err != nil {
			return err
		}
	}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics := ext.NewMetrics(ext.WithRegistry(reg), ext.WithNamespace(cfg.Metrics.Namespace))
		if _, err := client.RegisterExtension("metrics", metrics); err != nil {
			return err
		}
		if cfg.Metrics.Addr != "" {
			go serveMetrics(cfg.Metrics.Addr, reg, logger)
		}
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server stopped", "addr", addr, "error", err)
	}
}

// handshakeError maps an unsuccessful handshake reply to a coded error.
func handshakeError(m *bayeux.Message) error {
	if m.IsSuccessful() {
		return nil
	}
	if m.Failure != nil {
		var negotiation *cometd.NegotiationError
		if stderrors.As(m.Failure, &negotiation) {
			return errors.New("P002").Wrap(negotiation)
		}
		if m.Failure.Reason == transport.ReasonTimeout {
			return errors.New("T002").Wrap(m.Failure)
		}
		return errors.New("T001").Wrap(m.Failure)
	}
	return errors.New("P001").WithSubject(m.Error)
}

// close disconnects from the server and stops the client.
func (s *session) close() {
	if err := s.client.Disconnect(true, nil); err != nil {
		warn("disconnect: %v", err)
	}
	s.client.Close()
}

// replyTimeout is how long a request may take before the CLI gives up on
// its reply.
func replyTimeout(cfg *cometd.Config) time.Duration {
	return cfg.MaxNetworkDelay + cfg.Advice.TimeoutDuration()
}
