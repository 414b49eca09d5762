package cometdtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/vango-dev/cometd/pkg/bayeux"
	"github.com/vango-dev/cometd/pkg/transport"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the test server.
type Config struct {
	// Timeout is how long /meta/connect is held when there is nothing to
	// deliver. It is sent to clients as the timeout advice.
	// Default: 1 second.
	Timeout time.Duration

	// Interval is sent to clients as the interval advice.
	// Default: 0.
	Interval time.Duration

	// Transports are the connection types the server accepts, in the order
	// it advertises them.
	// Default: websocket, long-polling, callback-polling.
	Transports []string

	// Ack enables the acknowledgement extension for clients that ask.
	Ack bool

	// Authenticate vets handshakes. A non-nil error denies the handshake.
	Authenticate func(m *bayeux.Message) error

	// MaxRequestSize limits request bodies and websocket frames.
	// Default: 4MB.
	MaxRequestSize datasize.ByteSize

	// MaxSessionIdle is how long a session survives without requests.
	// Default: 30 seconds.
	MaxSessionIdle time.Duration

	// Logger is the server logger. Default: slog.Default().
	Logger *slog.Logger
}

// Option configures the test server.
type Option func(*Config)

// WithTimeout sets the connect hold time.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithInterval sets the interval advice.
func WithInterval(d time.Duration) Option {
	return func(c *Config) {
		c.Interval = d
	}
}

// WithTransports sets the accepted connection types.
func WithTransports(types ...string) Option {
	return func(c *Config) {
		c.Transports = types
	}
}

// WithAck enables the acknowledgement extension.
func WithAck() Option {
	return func(c *Config) {
		c.Ack = true
	}
}

// WithAuthenticator sets the handshake check.
func WithAuthenticator(fn func(m *bayeux.Message) error) Option {
	return func(c *Config) {
		c.Authenticate = fn
	}
}

// WithMaxRequestSize sets the request size limit.
func WithMaxRequestSize(size datasize.ByteSize) Option {
	return func(c *Config) {
		c.MaxRequestSize = size
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

func defaultConfig() Config {
	return Config{
		Timeout:        time.Second,
		Transports:     []string{transport.TypeWebSocket, transport.TypeLongPolling, transport.TypeCallbackPolling},
		MaxRequestSize: 4 * datasize.MB,
		MaxSessionIdle: 30 * time.Second,
		Logger:         slog.Default(),
	}
}

// =============================================================================
// Server
// =============================================================================

// Interceptor sees every request before the server handles it. When handled
// is true the server skips the request: reply is sent if non-nil, otherwise
// the request goes unanswered.
type Interceptor func(m *bayeux.Message) (reply *bayeux.Message, handled bool)

// Server is an in-process Bayeux server.
type Server struct {
	config   Config
	logger   *slog.Logger
	codec    bayeux.Codec
	router   chi.Router
	upgrader websocket.Upgrader

	mu        sync.Mutex
	sessions  map[string]*session
	requests  []*bayeux.Message
	intercept Interceptor

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a server. Mount it anywhere; every path is a Bayeux endpoint.
func New(opts ...Option) *Server {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	s := &Server{
		config:   config,
		logger:   config.Logger.With("component", "cometdtest"),
		codec:    bayeux.DefaultCodec,
		sessions: make(map[string]*session),
		closed:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/*", s.handlePost)
	r.Get("/*", s.handleGet)
	s.router = r
	return s
}

// NewTestServer starts a server on an httptest listener and returns it with
// the Bayeux URL to configure clients with. Both are closed when the test
// ends.
func NewTestServer(tb testing.TB, opts ...Option) (*Server, string) {
	tb.Helper()
	s := New(opts...)
	hs := httptest.NewServer(s)
	tb.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	return s, hs.URL + "/cometd"
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases every held connect. The server keeps answering requests.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Intercept installs fn, replacing any previous interceptor. nil removes it.
func (s *Server) Intercept(fn Interceptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intercept = fn
}

// Requests returns copies of the requests received on channel, or of every
// request when channel is empty.
func (s *Server) Requests(channel string) []*bayeux.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*bayeux.Message
	for _, m := range s.requests {
		if channel == "" || m.Channel == channel {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Sessions returns the ids of the live sessions.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Subscriptions returns the channels the session is subscribed to.
func (s *Server) Subscriptions(clientID string) []string {
	sess := s.session(clientID)
	if sess == nil {
		return nil
	}
	channels := sess.channels()
	slices.Sort(channels)
	return channels
}

// Disconnect forgets a session as if it had expired.
func (s *Server) Disconnect(clientID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[clientID]
	delete(s.sessions, clientID)
	s.mu.Unlock()
	if ok {
		sess.close()
	}
	return ok
}

// Publish delivers data on channel to every subscribed session.
func (s *Server) Publish(channel string, data any) error {
	if !bayeux.ValidChannel(channel) || bayeux.IsMeta(channel) || bayeux.IsWild(channel) {
		return fmt.Errorf("cometdtest: invalid channel %q", channel)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("cometdtest: encode data: %w", err)
	}
	s.fanOut(&bayeux.Message{Channel: channel, Data: raw})
	return nil
}

func (s *Server) session(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) fanOut(m *bayeux.Message) int {
	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	delivered := 0
	for _, sess := range targets {
		if sess.subscribed(m.Channel) {
			sess.deliver(&bayeux.Message{Channel: m.Channel, Data: m.Data, Ext: m.Ext})
			delivered++
		}
	}
	s.logger.Debug("published", "channel", m.Channel, "sessions", delivered)
	return delivered
}

// =============================================================================
// HTTP Handlers
// =============================================================================

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.config.MaxRequestSize.Bytes())))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	messages, err := s.codec.Decode(body)
	if err != nil || len(messages) == 0 {
		http.Error(w, "invalid Bayeux request", http.StatusBadRequest)
		return
	}

	replies := s.serve(r.Context(), messages, nil)
	data, err := s.codec.Encode(replies)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	_, _ = w.Write(data)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r)
		return
	}

	query := r.URL.Query()
	callback := query.Get("jsonp")
	if callback == "" {
		http.Error(w, "missing jsonp callback", http.StatusBadRequest)
		return
	}
	messages, err := s.codec.Decode([]byte(query.Get("message")))
	if err != nil || len(messages) == 0 {
		http.Error(w, "invalid Bayeux request", http.StatusBadRequest)
		return
	}

	replies := s.serve(r.Context(), messages, nil)
	data, err := s.codec.Encode(replies)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/javascript;charset=UTF-8")
	_, _ = w.Write(transport.JSONP(callback, data))
}

// =============================================================================
// Protocol
// =============================================================================

// heldConnect is a /meta/connect waiting for deliveries.
type heldConnect struct {
	session *session
	reply   *bayeux.Message
	timeout time.Duration
}

// serve handles one batch of requests and returns the replies. A connect in
// the batch is held before the replies are returned. With ws set, the
// replies other than the connect are written right away and the connect is
// answered from a goroutine.
func (s *Server) serve(ctx context.Context, messages []*bayeux.Message, ws *wsConn) []*bayeux.Message {
	var (
		replies []*bayeux.Message
		held    *heldConnect
	)
	for _, m := range messages {
		s.record(m)
		if reply, handled := s.intercepted(m); handled {
			if reply != nil {
				replies = append(replies, reply)
			}
			continue
		}

		switch m.Channel {
		case bayeux.MetaHandshake:
			replies = append(replies, s.handshake(m, ws))
		case bayeux.MetaConnect:
			reply, h := s.connect(m, ws)
			if h == nil {
				replies = append(replies, reply)
			} else {
				held = h
			}
		case bayeux.MetaDisconnect:
			replies = append(replies, s.disconnect(m))
		case bayeux.MetaSubscribe:
			replies = append(replies, s.subscribe(m))
		case bayeux.MetaUnsubscribe:
			replies = append(replies, s.unsubscribe(m))
		default:
			replies = append(replies, s.publish(m))
		}
	}

	if held == nil {
		return replies
	}
	if ws != nil {
		if len(replies) > 0 {
			if err := ws.send(replies); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
			}
		}
		go func() {
			if err := ws.send(s.hold(ctx, held)); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
			}
		}()
		return nil
	}
	return append(replies, s.hold(ctx, held)...)
}

func (s *Server) record(m *bayeux.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, m.Clone())
}

func (s *Server) intercepted(m *bayeux.Message) (*bayeux.Message, bool) {
	s.mu.Lock()
	fn := s.intercept
	s.mu.Unlock()
	if fn == nil {
		return nil, false
	}
	return fn(m)
}

func (s *Server) advice(reconnect bayeux.Reconnect) *bayeux.Advice {
	return &bayeux.Advice{
		Reconnect: reconnect,
		Interval:  bayeux.Millis(s.config.Interval.Milliseconds()),
		Timeout:   bayeux.Millis(s.config.Timeout.Milliseconds()),
	}
}

func failure(m *bayeux.Message, code int, text string, advice *bayeux.Advice) *bayeux.Message {
	return &bayeux.Message{
		Channel:      m.Channel,
		ID:           m.ID,
		ClientID:     m.ClientID,
		Subscription: m.Subscription,
		Successful:   bayeux.Bool(false),
		Error:        fmt.Sprintf("%d::%s", code, text),
		Advice:       advice,
	}
}

func success(m *bayeux.Message) *bayeux.Message {
	return &bayeux.Message{
		Channel:      m.Channel,
		ID:           m.ID,
		ClientID:     m.ClientID,
		Subscription: m.Subscription,
		Successful:   bayeux.Bool(true),
	}
}

// known returns the session of m, or the 402 reply telling the client to
// handshake again.
func (s *Server) known(m *bayeux.Message) (*session, *bayeux.Message) {
	sess := s.session(m.ClientID)
	if sess == nil {
		return nil, failure(m, 402, "Unknown client", &bayeux.Advice{
			Reconnect: bayeux.ReconnectHandshake,
			Interval:  bayeux.Millis(0),
		})
	}
	sess.touch()
	return sess, nil
}

func (s *Server) handshake(m *bayeux.Message, ws *wsConn) *bayeux.Message {
	if s.config.Authenticate != nil {
		if err := s.config.Authenticate(m); err != nil {
			s.logger.Info("handshake denied", "error", err)
			return failure(m, 403, "Handshake denied", &bayeux.Advice{Reconnect: bayeux.ReconnectNone})
		}
	}
	common := false
	for _, typ := range m.SupportedConnectionTypes {
		if slices.Contains(s.config.Transports, typ) {
			common = true
			break
		}
	}
	if !common {
		return failure(m, 400, "Unsupported connection types", &bayeux.Advice{Reconnect: bayeux.ReconnectNone})
	}

	ack := false
	if s.config.Ack {
		ack, _ = m.Ext["ack"].(bool)
	}
	sess := newSession(ulid.Make().String(), ack)
	if ws != nil {
		sess.attach(ws)
		ws.bind(sess)
	}

	s.mu.Lock()
	for id, old := range s.sessions {
		if old.idle(s.config.MaxSessionIdle) {
			delete(s.sessions, id)
			old.close()
		}
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.logger.Debug("handshake", "client_id", sess.id, "types", m.SupportedConnectionTypes)

	reply := success(m)
	reply.ClientID = sess.id
	reply.Version = bayeux.Version
	reply.MinimumVersion = bayeux.MinimumVersion
	reply.SupportedConnectionTypes = slices.Clone(s.config.Transports)
	reply.Advice = s.advice(bayeux.ReconnectRetry)
	if ack {
		reply.Ext = map[string]any{"ack": true}
	}
	return reply
}

func (s *Server) connect(m *bayeux.Message, ws *wsConn) (*bayeux.Message, *heldConnect) {
	sess, reply := s.known(m)
	if sess == nil {
		return reply, nil
	}
	if !slices.Contains(s.config.Transports, m.ConnectionType) {
		return failure(m, 400, "Unsupported connection type", &bayeux.Advice{Reconnect: bayeux.ReconnectNone}), nil
	}
	if ws != nil {
		for _, queued := range sess.attach(ws) {
			sess.deliver(queued)
		}
		ws.bind(sess)
	}
	if id, ok := ackID(m.Ext["ack"]); ok {
		sess.acknowledge(id)
	}

	timeout := s.config.Timeout
	if m.Advice != nil && m.Advice.Timeout != nil {
		timeout = min(timeout, m.Advice.TimeoutDuration())
	}
	reply = success(m)
	reply.Advice = s.advice(bayeux.ReconnectRetry)
	return nil, &heldConnect{session: sess, reply: reply, timeout: timeout}
}

// hold waits for deliveries, the timeout, or the end of the session and
// returns the deliveries followed by the connect reply.
func (s *Server) hold(ctx context.Context, h *heldConnect) []*bayeux.Message {
	sess := h.session
	sess.hold(1)
	defer sess.hold(-1)

	if !sess.pending() && h.timeout > 0 {
		timer := time.NewTimer(h.timeout)
		defer timer.Stop()
		select {
		case <-sess.wake:
		case <-timer.C:
		case <-sess.done:
			return []*bayeux.Message{failure(h.reply, 402, "Unknown client", &bayeux.Advice{
				Reconnect: bayeux.ReconnectHandshake,
				Interval:  bayeux.Millis(0),
			})}
		case <-s.closed:
		case <-ctx.Done():
		}
	}

	deliveries, batch := sess.take()
	if ctx.Err() != nil {
		sess.requeue(deliveries)
		return nil
	}
	if sess.ack {
		h.reply.Ext = map[string]any{"ack": batch}
	}
	sess.touch()
	return append(deliveries, h.reply)
}

func (s *Server) disconnect(m *bayeux.Message) *bayeux.Message {
	sess, reply := s.known(m)
	if sess == nil {
		return reply
	}
	s.Disconnect(sess.id)
	s.logger.Debug("disconnect", "client_id", sess.id)
	return success(m)
}

func (s *Server) subscribe(m *bayeux.Message) *bayeux.Message {
	sess, reply := s.known(m)
	if sess == nil {
		return reply
	}
	if !validSubscription(m.Subscription) {
		return failure(m, 403, "Invalid subscription", nil)
	}
	sess.subscribe(m.Subscription)
	return success(m)
}

func (s *Server) unsubscribe(m *bayeux.Message) *bayeux.Message {
	sess, reply := s.known(m)
	if sess == nil {
		return reply
	}
	sess.unsubscribe(m.Subscription)
	return success(m)
}

func (s *Server) publish(m *bayeux.Message) *bayeux.Message {
	if _, reply := s.known(m); reply != nil {
		return reply
	}
	if bayeux.IsMeta(m.Channel) || bayeux.IsWild(m.Channel) {
		return failure(m, 403, "Invalid channel", nil)
	}
	if !bayeux.IsService(m.Channel) {
		s.fanOut(m)
	}
	return success(m)
}

func ackID(v any) (int64, bool) {
	switch id := v.(type) {
	case float64:
		return int64(id), true
	case json.Number:
		n, err := id.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
