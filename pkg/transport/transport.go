package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

// Default transport type names.
const (
	TypeLongPolling     = "long-polling"
	TypeCallbackPolling = "callback-polling"
	TypeWebSocket       = "websocket"
)

// Failure reasons passed to Envelope.OnFailure.
const (
	ReasonTimeout     = "timeout"
	ReasonClosed      = "closed"
	ReasonError       = "error"
	ReasonNoResponse  = "no response"
	ReasonBadResponse = "bad response"
)

var (
	// ErrPreviousRequestFailed fails queued envelopes when the request ahead
	// of them failed.
	ErrPreviousRequestFailed = errors.New("transport: previous request failed")

	// ErrEmptyResponse is reported when the server answered with no messages.
	ErrEmptyResponse = errors.New("transport: empty response")

	// ErrNotRegistered is reported when a transport is used before it was
	// registered with a client.
	ErrNotRegistered = errors.New("transport: not registered")
)

// Transport moves envelopes to the server.
//
// All methods are called on the client's event loop.
type Transport interface {
	// Type returns the name the transport was registered under.
	Type() string

	// Registered is called when the transport is added to a client.
	Registered(typ string, host Host)

	// Unregistered is called when the transport is removed from a client.
	Unregistered()

	// Accept reports whether the transport can be used for the given
	// protocol version, cross-domain-ness and URL.
	Accept(version string, crossDomain bool, url string) bool

	// Send transmits the envelope. metaConnect marks the long-held
	// /meta/connect exchange.
	Send(envelope *Envelope, metaConnect bool)

	// Reset forgets all in-flight state.
	Reset()

	// Abort cancels every outstanding exchange and resets.
	Abort()
}

// Envelope is one wire exchange: one or more messages plus callbacks.
type Envelope struct {
	URL      string
	Sync     bool
	Messages []*bayeux.Message

	// OnSuccess receives the replies.
	OnSuccess func(replies []*bayeux.Message)

	// OnFailure receives the messages that could not be delivered.
	OnFailure func(messages []*bayeux.Message, reason string, err error)
}

func (e *Envelope) succeed(replies []*bayeux.Message) {
	if e.OnSuccess != nil {
		e.OnSuccess(replies)
	}
}

func (e *Envelope) fail(reason string, err error) {
	if e.OnFailure != nil {
		e.OnFailure(e.Messages, reason, err)
	}
}

// messageIDs returns the ids of the envelope messages, in order.
func (e *Envelope) messageIDs() []string {
	ids := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Settings are the client configuration values transports consult.
type Settings struct {
	// MaxConnections bounds concurrent HTTP requests, including the
	// /meta/connect slot.
	MaxConnections int

	// MaxNetworkDelay is how long to wait for a reply before failing
	// with ReasonTimeout. The advised long-poll timeout is added for
	// /meta/connect.
	MaxNetworkDelay time.Duration

	// RequestHeaders are added to every HTTP request and the websocket
	// upgrade.
	RequestHeaders http.Header

	// AutoBatch coalesces queued envelopes bound for the same URL.
	AutoBatch bool

	// ConnectTimeout bounds the websocket opening handshake. Zero means no
	// limit beyond MaxNetworkDelay.
	ConnectTimeout time.Duration

	// WebSocketEnabled lets the websocket transport take part in
	// negotiation.
	WebSocketEnabled bool

	// MaxURLLength is the callback-polling URL ceiling.
	MaxURLLength int

	// MaxMessageSize limits inbound websocket frames. Zero means no limit.
	MaxMessageSize int64
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs callbacks on the client's event loop.
type Scheduler interface {
	// Dispatch runs fn on the loop after the current task.
	Dispatch(fn func()) bool

	// AfterFunc runs fn on the loop after d.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Host is what a transport needs from the client that owns it.
type Host interface {
	Settings() Settings
	Advice() bayeux.Advice
	URL() string
	Scheduler() Scheduler
	Logger() *slog.Logger
	Codec() bayeux.Codec
}

// Base implements the bookkeeping shared by every transport.
type Base struct {
	typ  string
	host Host
}

// Type returns the registered type name.
func (b *Base) Type() string {
	return b.typ
}

// Registered records the type name and host.
func (b *Base) Registered(typ string, host Host) {
	b.typ = typ
	b.host = host
}

// Unregistered forgets the host.
func (b *Base) Unregistered() {
	b.typ = ""
	b.host = nil
}

// Host returns the owning client, or nil before registration.
func (b *Base) Host() Host {
	return b.host
}

// Reset is a no-op for stateless transports.
func (b *Base) Reset() {}

// Abort is a no-op for stateless transports.
func (b *Base) Abort() {}

func (b *Base) logger() *slog.Logger {
	if b.host == nil {
		return slog.Default().With("transport", b.typ)
	}
	return b.host.Logger().With("transport", b.typ)
}

// later runs fn on the next loop turn, falling back to a goroutine when the
// transport is not registered.
func (b *Base) later(fn func()) {
	if b.host == nil {
		go fn()
		return
	}
	b.host.Scheduler().Dispatch(fn)
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	Code   int
	Status string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: HTTP %s", e.Status)
}

// MessageTooBigError reports a message that cannot fit in the URL length
// limit of the callback-polling transport.
type MessageTooBigError struct {
	Length int
	Max    int
	Type   string
}

// Error implements the error interface.
func (e *MessageTooBigError) Error() string {
	return fmt.Sprintf("transport: Bayeux message too big (%d bytes, max is %d) for transport %s", e.Length, e.Max, e.Type)
}

// CloseError reports a websocket close.
type CloseError struct {
	Code int
	Text string
}

// Error implements the error interface.
func (e *CloseError) Error() string {
	return fmt.Sprintf("transport: websocket closed %d/%s", e.Code, e.Text)
}
