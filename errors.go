package cometd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vango-dev/cometd/internal/loop"
	"github.com/vango-dev/cometd/pkg/bayeux"
)

// Sentinel errors for client misuse and protocol conditions.
var (
	// ErrMissingURL is returned when a configuration has no URL.
	ErrMissingURL = errors.New("cometd: missing URL")

	// ErrUnsupportedScheme is returned for URLs that are not http or https.
	ErrUnsupportedScheme = errors.New("cometd: URL scheme must be http or https")

	// ErrBackoffRange is returned when MaxBackoff is below BackoffIncrement.
	ErrBackoffRange = errors.New("cometd: max backoff below backoff increment")

	// ErrInvalidLogLevel is returned for an unknown log level name.
	ErrInvalidLogLevel = errors.New("cometd: invalid log level")

	// ErrDisconnected is returned when an operation needs a session and the
	// client is disconnected or disconnecting. Queued messages failed by a
	// disconnect carry it as their failure cause.
	ErrDisconnected = errors.New("cometd: client disconnected")

	// ErrInvalidChannel is returned for channel names that are not absolute,
	// have empty segments, or are wildcards where a concrete channel is needed.
	ErrInvalidChannel = errors.New("cometd: invalid channel")

	// ErrNilListener is returned when a nil callback is registered.
	ErrNilListener = errors.New("cometd: nil listener")

	// ErrInvalidSubscription is returned for subscriptions that are nil or
	// were not created by this client.
	ErrInvalidSubscription = errors.New("cometd: invalid subscription")

	// ErrBatchMismatch is returned when EndBatch is called more times than
	// StartBatch.
	ErrBatchMismatch = errors.New("cometd: calls to StartBatch and EndBatch are not paired")

	// ErrNoTransport is returned when no registered transport accepts the
	// configured URL.
	ErrNoTransport = errors.New("cometd: no transport available")

	// ErrInvalidExtension is returned when an extension has no name or
	// implements none of the extension hooks.
	ErrInvalidExtension = errors.New("cometd: invalid extension")

	// ErrUnexpectedAdvice is returned when the server advises a reconnect
	// action that makes no sense for the reply it came with.
	ErrUnexpectedAdvice = errors.New("cometd: unexpected advice")

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("cometd: client closed")
)

// NegotiationError reports that the client and the server have no transport
// in common. Retrying cannot fix it, so the client disconnects.
type NegotiationError struct {
	ClientTypes []string
	ServerTypes []string
}

// Error returns the error message with both transport lists.
func (e *NegotiationError) Error() string {
	return fmt.Sprintf("cometd: could not negotiate transport with server; client [%s], server [%s]",
		strings.Join(e.ClientTypes, ","), strings.Join(e.ServerTypes, ","))
}

// AdviceError reports a reconnect advice the client cannot follow on the
// given channel. It matches ErrUnexpectedAdvice.
type AdviceError struct {
	Channel   string
	Reconnect bayeux.Reconnect
}

func (e *AdviceError) Error() string {
	return fmt.Sprintf("cometd: unexpected advice %q on %s", e.Reconnect, e.Channel)
}

func (e *AdviceError) Unwrap() error {
	return ErrUnexpectedAdvice
}

// ConfigError wraps a configuration problem with the offending field.
type ConfigError struct {
	Field string
	Err   error
}

// Error returns the error message with the field name.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("cometd: config %s: %v", e.Field, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a listener or extension.
type PanicError struct {
	Value any
	Stack string
}

// Error returns the recovered value.
func (e *PanicError) Error() string {
	return fmt.Sprintf("cometd: panic: %v", e.Value)
}

// Unwrap returns the recovered value when it is an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// callErr maps loop errors onto client errors.
func callErr(err error) error {
	if errors.Is(err, loop.ErrClosed) {
		return ErrClosed
	}
	return err
}
