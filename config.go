package cometd

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/cometd/pkg/bayeux"
	"github.com/vango-dev/cometd/pkg/transport"
)

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the protocol configuration of a client.
// Start from DefaultConfig and set URL; zero durations and counts are
// replaced by their defaults when the configuration is applied.
type Config struct {
	// URL is the Bayeux endpoint. Required.
	URL string

	// MaxConnections bounds concurrent HTTP requests, including the one
	// reserved for /meta/connect.
	// Default: 2.
	MaxConnections int

	// BackoffIncrement is added to the backoff after each consecutive
	// failure.
	// Default: 1 second.
	BackoffIncrement time.Duration

	// MaxBackoff caps the backoff.
	// Default: 60 seconds.
	MaxBackoff time.Duration

	// LogLevel is one of "error", "warn", "info" or "debug".
	// Default: "info".
	LogLevel string

	// ReverseIncomingExtensions runs incoming extensions in reverse
	// registration order.
	// Default: true.
	ReverseIncomingExtensions bool

	// MaxNetworkDelay is how long to wait for a reply before failing the
	// request with "timeout".
	// Default: 10 seconds.
	MaxNetworkDelay time.Duration

	// RequestHeaders are added to every HTTP request and to the websocket
	// upgrade.
	RequestHeaders http.Header

	// AppendMessageTypeToURL appends the meta message type (handshake,
	// connect, disconnect) to the URL path. It is turned off automatically
	// when the URL has a query, a fragment, or a last path segment with a
	// file extension.
	// Default: true.
	AppendMessageTypeToURL bool

	// AutoBatch coalesces queued messages bound for the same URL.
	// Default: false.
	AutoBatch bool

	// Advice is the advice in effect before the server sends any.
	// Default: timeout 60s, interval 0, reconnect retry.
	Advice bayeux.Advice

	// ConnectTimeout bounds the websocket opening handshake.
	// Default: 0 (no limit).
	ConnectTimeout time.Duration

	// WebSocketEnabled lets the websocket transport take part in
	// negotiation.
	// Default: true.
	WebSocketEnabled bool

	// MaxURLLength is the callback-polling URL ceiling.
	// Default: 2000.
	MaxURLLength int

	// MaxMessageSize limits inbound websocket frames.
	// Default: 0 (no limit).
	MaxMessageSize int64

	// Origin is the origin the client runs on. When set and different from
	// the URL origin, requests are cross-domain.
	Origin string

	// OnError is called for fatal protocol errors such as a failed transport
	// negotiation. It runs on the listener goroutine.
	OnError func(err error)
}

// DefaultConfig returns a Config with the default settings and no URL.
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:            2,
		BackoffIncrement:          time.Second,
		MaxBackoff:                time.Minute,
		LogLevel:                  "info",
		ReverseIncomingExtensions: true,
		MaxNetworkDelay:           10 * time.Second,
		AppendMessageTypeToURL:    true,
		Advice:                    DefaultAdvice(),
		WebSocketEnabled:          true,
		MaxURLLength:              transport.DefaultMaxURLLength,
	}
}

// DefaultAdvice returns the advice used before the server sends any.
func DefaultAdvice() bayeux.Advice {
	return bayeux.Advice{
		Reconnect: bayeux.ReconnectRetry,
		Interval:  bayeux.Millis(0),
		Timeout:   bayeux.Millis(60000),
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	out.RequestHeaders = c.RequestHeaders.Clone()
	out.Advice = c.Advice.Clone()
	return &out
}

// applyDefaults fills zero values with defaults.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.BackoffIncrement <= 0 {
		c.BackoffIncrement = def.BackoffIncrement
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.MaxNetworkDelay <= 0 {
		c.MaxNetworkDelay = def.MaxNetworkDelay
	}
	if c.MaxURLLength <= 0 {
		c.MaxURLLength = def.MaxURLLength
	}
	c.Advice = c.Advice.Merge(def.Advice)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrMissingURL
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return &ConfigError{Field: "URL", Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ConfigError{Field: "URL", Err: ErrUnsupportedScheme}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return &ConfigError{Field: "LogLevel", Err: err}
	}
	if c.MaxBackoff < c.BackoffIncrement {
		return &ConfigError{Field: "MaxBackoff", Err: ErrBackoffRange}
	}
	return nil
}

// canAppendMessageType reports whether meta message types may be appended to
// rawURL: it must have no query or fragment, and its last path segment must
// not look like a file.
func canAppendMessageType(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.RawQuery != "" || u.Fragment != "" || u.ForceQuery || strings.Contains(rawURL, "#") {
		return false
	}
	path := u.Path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	return !strings.Contains(path, ".")
}

// crossDomain reports whether target is on a different origin than origin.
// An empty origin means same-domain.
func crossDomain(origin, target string) bool {
	if origin == "" {
		return false
	}
	o, err := url.Parse(origin)
	if err != nil {
		return true
	}
	t, err := url.Parse(target)
	if err != nil {
		return true
	}
	return !strings.EqualFold(o.Scheme, t.Scheme) || !strings.EqualFold(o.Host, t.Host)
}

// =============================================================================
// Construction Options
// =============================================================================

// Option configures the dependencies of a client at construction.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	httpClient transport.Doer
	dialer     *websocket.Dialer
	codec      bayeux.Codec
	transports bool
}

func defaultOptions() options {
	return options{
		logger:     slog.Default(),
		codec:      bayeux.DefaultCodec,
		transports: true,
	}
}

// WithLogger sets the base logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHTTPClient sets the client used by the HTTP transports.
// Default: http.DefaultClient.
func WithHTTPClient(client transport.Doer) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithDialer sets the websocket dialer. Default: websocket.DefaultDialer.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(o *options) {
		o.dialer = dialer
	}
}

// WithCodec sets the wire codec. Default: bayeux.JSONCodec.
func WithCodec(codec bayeux.Codec) Option {
	return func(o *options) {
		if codec != nil {
			o.codec = codec
		}
	}
}

// WithoutDefaultTransports skips registering the websocket, long-polling
// and callback-polling transports.
func WithoutDefaultTransports() Option {
	return func(o *options) {
		o.transports = false
	}
}
