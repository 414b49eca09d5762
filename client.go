// Package cometd is a Bayeux client.
//
// A Client performs the Bayeux handshake, keeps a /meta/connect exchange
// outstanding to receive server pushes, and lets the application subscribe to
// channels, publish messages, batch sends and plug in extensions that rewrite
// every message crossing the wire.
//
//	client := cometd.New("chat")
//	cfg := cometd.DefaultConfig()
//	cfg.URL = "http://localhost:8080/cometd"
//	if err := client.Init(cfg, nil); err != nil {
//		return err
//	}
//	client.Subscribe("/chat/room", func(m *bayeux.Message) {
//		fmt.Println(string(m.Data))
//	}, nil)
//
// # Threading
//
// All protocol state is owned by a private event loop goroutine. Public
// methods hand their work to the loop and wait for it, so they are safe for
// concurrent use. Listeners run on a second goroutine, one at a time and in
// delivery order, and may call any client method. Extensions run on the
// protocol loop and must not call client methods.
//
// # Failures
//
// Misuse (no URL, invalid channel, unpaired batches, calls while
// disconnected) is reported by returned errors. Network failures are never
// returned: they are delivered to the /meta/<operation> and
// /meta/unsuccessful listeners as messages with Successful set to false and
// Failure describing the cause. The client retries on its own according to
// the server advice and its backoff.
package cometd

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vango-dev/cometd/internal/loop"
	"github.com/vango-dev/cometd/pkg/bayeux"
	"github.com/vango-dev/cometd/pkg/transport"
)

// DefaultName is the name of clients built with NewClient.
const DefaultName = "default"

// Client is a Bayeux client.
type Client struct {
	name   string
	logger *slog.Logger
	level  *slog.LevelVar
	codec  bayeux.Codec

	loop      *loop.Loop
	callbacks *loop.Loop
	closeOnce sync.Once

	hooksMu          sync.RWMutex
	onListenerPanic  func(sub *Subscription, m *bayeux.Message, err *PanicError)
	onExtensionPanic func(name string, outgoing bool, m *bayeux.Message, err *PanicError)

	// Everything below is owned by the loop.

	config         *Config
	url            string
	appendType     bool
	crossDomain    bool
	status         Status
	clientID       string
	messageIDs     uint64
	batch          int
	internalBatch  bool
	queue          []*bayeux.Message
	transports     *transport.Registry
	transport      transport.Transport
	advice         bayeux.Advice
	backoff        time.Duration
	scheduled      *loop.Timer
	reestablish    bool
	connected      bool
	handshakeProps *bayeux.Props
	err            error

	subscriptions   map[string]map[uint64]*Subscription
	subscriptionIDs uint64
	extensions      []*registeredExtension
}

// NewClient creates a client named DefaultName.
func NewClient(opts ...Option) *Client {
	return New(DefaultName, opts...)
}

// New creates a client. The client has no URL until Configure or Init is
// called. The default transports are registered in priority order:
// websocket, long-polling, callback-polling.
func New(name string, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	level := new(slog.LevelVar)
	logger := slog.New(&levelHandler{inner: o.logger.Handler(), level: level}).With("client", name)

	c := &Client{
		name:          name,
		logger:        logger,
		level:         level,
		codec:         o.codec,
		loop:          loop.New(logger).Start(),
		callbacks:     loop.New(logger.With("loop", "listeners")).Start(),
		config:        DefaultConfig(),
		transports:    transport.NewRegistry(),
		advice:        DefaultAdvice(),
		subscriptions: make(map[string]map[uint64]*Subscription),
	}

	if o.transports {
		c.registerTransport(transport.TypeWebSocket, transport.NewWebSocket(o.dialer), -1)
		c.registerTransport(transport.TypeLongPolling, transport.NewLongPolling(o.httpClient), -1)
		c.registerTransport(transport.TypeCallbackPolling, transport.NewCallbackPolling(o.httpClient), -1)
	}
	return c
}

// Name returns the client name.
func (c *Client) Name() string {
	return c.name
}

// Logger returns the client logger.
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// SetLogLevel changes the client log level ("error", "warn", "info" or
// "debug").
func (c *Client) SetLogLevel(name string) error {
	level, err := ParseLogLevel(name)
	if err != nil {
		return err
	}
	c.level.Set(level)
	return nil
}

// Configure validates and applies the configuration. It does not start a
// handshake.
func (c *Client) Configure(cfg *Config) error {
	if cfg == nil {
		return ErrMissingURL
	}
	cfg = cfg.Clone()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, _ := ParseLogLevel(cfg.LogLevel)
	c.level.Set(level)

	return callErr(c.loop.Call(func() {
		c.configure(cfg)
	}))
}

func (c *Client) configure(cfg *Config) {
	c.config = cfg
	c.url = cfg.URL
	c.appendType = cfg.AppendMessageTypeToURL
	if c.appendType && !canAppendMessageType(cfg.URL) {
		c.logger.Info("appendMessageTypeToURL disabled, URL has a query, fragment or file extension", "url", cfg.URL)
		c.appendType = false
	}
	c.crossDomain = crossDomain(cfg.Origin, cfg.URL)
	c.advice = cfg.Advice.Clone()
	c.logger.Debug("configured", "url", c.url, "append_message_type", c.appendType, "cross_domain", c.crossDomain)
}

// Init configures the client and starts the handshake.
func (c *Client) Init(cfg *Config, props *bayeux.Props) error {
	if err := c.Configure(cfg); err != nil {
		return err
	}
	return c.Handshake(props)
}

// Handshake starts a new session with the server. The props are merged into
// the handshake message and reused for automatic re-handshakes.
func (c *Client) Handshake(props *bayeux.Props) error {
	var err error
	if cerr := c.loop.Call(func() {
		if c.url == "" {
			err = ErrMissingURL
			return
		}
		c.setStatus(StatusDisconnected)
		c.reestablish = false
		err = c.handshake(props)
	}); cerr != nil {
		return callErr(cerr)
	}
	return err
}

// Disconnect ends the session. With sync set the /meta/disconnect request
// blocks the client loop until the server answers. Disconnecting an already
// disconnected client does nothing.
func (c *Client) Disconnect(sync bool, props *bayeux.Props) error {
	return callErr(c.loop.Call(func() {
		c.disconnectSession(sync, props)
	}))
}

// Close aborts the transport without notifying the server and stops the
// client. Every method returns ErrClosed afterwards.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.loop.Call(func() {
			c.cancelDelayedSend()
			if c.transport != nil {
				c.transport.Abort()
			}
			c.transport = nil
			c.status = StatusDisconnected
		})
		c.loop.Close()
		c.callbacks.Close()
	})
	return nil
}

// Status returns the lifecycle state.
func (c *Client) Status() Status {
	status := StatusDisconnected
	_ = c.loop.Call(func() { status = c.status })
	return status
}

// IsDisconnected reports whether the client is disconnected or
// disconnecting.
func (c *Client) IsDisconnected() bool {
	return c.Status().disconnected()
}

// ClientID returns the session id assigned by the server, or "".
func (c *Client) ClientID() string {
	var id string
	_ = c.loop.Call(func() { id = c.clientID })
	return id
}

// URL returns the configured URL.
func (c *Client) URL() string {
	var u string
	_ = c.loop.Call(func() { u = c.url })
	return u
}

// Configuration returns a copy of the configuration in effect.
func (c *Client) Configuration() *Config {
	var cfg *Config
	_ = c.loop.Call(func() { cfg = c.config.Clone() })
	return cfg
}

// Advice returns a copy of the advice in effect.
func (c *Client) Advice() bayeux.Advice {
	var a bayeux.Advice
	_ = c.loop.Call(func() { a = c.advice.Clone() })
	return a
}

// Transport returns the transport of the current session, or nil.
func (c *Client) Transport() transport.Transport {
	var t transport.Transport
	_ = c.loop.Call(func() { t = c.transport })
	return t
}

// Err returns the last fatal protocol error, such as a *NegotiationError.
func (c *Client) Err() error {
	var err error
	_ = c.loop.Call(func() { err = c.err })
	return err
}

// BackoffPeriod returns the current backoff.
func (c *Client) BackoffPeriod() time.Duration {
	var d time.Duration
	_ = c.loop.Call(func() { d = c.backoff })
	return d
}

// BackoffIncrement returns the configured backoff increment.
func (c *Client) BackoffIncrement() time.Duration {
	var d time.Duration
	_ = c.loop.Call(func() { d = c.config.BackoffIncrement })
	return d
}

// SetBackoffIncrement changes the backoff increment.
func (c *Client) SetBackoffIncrement(d time.Duration) {
	_ = c.loop.Call(func() {
		if d > 0 {
			c.config.BackoffIncrement = d
		}
	})
}

// OnListenerException sets the hook called with listener panics. It runs on
// the listener goroutine.
func (c *Client) OnListenerException(fn func(sub *Subscription, m *bayeux.Message, err *PanicError)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onListenerPanic = fn
}

// OnExtensionException sets the hook called with extension panics. It runs
// on the protocol loop and must not call client methods.
func (c *Client) OnExtensionException(fn func(name string, outgoing bool, m *bayeux.Message, err *PanicError)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onExtensionPanic = fn
}

// =============================================================================
// Transports
// =============================================================================

// RegisterTransport adds t under typ at position index (-1 appends). It
// returns false if typ is already registered.
func (c *Client) RegisterTransport(typ string, t transport.Transport, index int) (bool, error) {
	var ok bool
	err := c.loop.Call(func() { ok = c.registerTransport(typ, t, index) })
	return ok, callErr(err)
}

func (c *Client) registerTransport(typ string, t transport.Transport, index int) bool {
	if !c.transports.Add(typ, t, index) {
		c.logger.Debug("transport already registered", "type", typ)
		return false
	}
	t.Registered(typ, (*clientHost)(c))
	c.logger.Debug("registered transport", "type", typ)
	return true
}

// UnregisterTransport removes the transport registered as typ and returns
// it, or nil.
func (c *Client) UnregisterTransport(typ string) transport.Transport {
	var t transport.Transport
	_ = c.loop.Call(func() {
		t = c.transports.Remove(typ)
		if t != nil {
			t.Unregistered()
		}
	})
	return t
}

// UnregisterTransports removes every transport.
func (c *Client) UnregisterTransports() {
	_ = c.loop.Call(func() {
		for _, typ := range c.transports.Types() {
			if t := c.transports.Remove(typ); t != nil {
				t.Unregistered()
			}
		}
	})
}

// TransportTypes returns the registered transport types in priority order.
func (c *Client) TransportTypes() []string {
	var types []string
	_ = c.loop.Call(func() { types = c.transports.Types() })
	return types
}

// FindTransport returns the transport registered as typ, or nil.
func (c *Client) FindTransport(typ string) transport.Transport {
	var t transport.Transport
	_ = c.loop.Call(func() { t = c.transports.Find(typ) })
	return t
}

// =============================================================================
// Transport Host
// =============================================================================

// clientHost is the view of the client that transports see. Its methods run
// on the loop.
type clientHost Client

func (h *clientHost) Settings() transport.Settings {
	cfg := h.config
	return transport.Settings{
		MaxConnections:   cfg.MaxConnections,
		MaxNetworkDelay:  cfg.MaxNetworkDelay,
		RequestHeaders:   cfg.RequestHeaders,
		AutoBatch:        cfg.AutoBatch,
		ConnectTimeout:   cfg.ConnectTimeout,
		WebSocketEnabled: cfg.WebSocketEnabled,
		MaxURLLength:     cfg.MaxURLLength,
		MaxMessageSize:   cfg.MaxMessageSize,
	}
}

func (h *clientHost) Advice() bayeux.Advice {
	return h.advice
}

func (h *clientHost) URL() string {
	return h.url
}

func (h *clientHost) Scheduler() transport.Scheduler {
	return scheduler{h.loop}
}

func (h *clientHost) Logger() *slog.Logger {
	return h.logger
}

func (h *clientHost) Codec() bayeux.Codec {
	return h.codec
}

type scheduler struct {
	*loop.Loop
}

func (s scheduler) AfterFunc(d time.Duration, fn func()) transport.Timer {
	return s.Loop.AfterFunc(d, fn)
}
