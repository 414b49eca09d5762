package ext

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

// Default tracer name for cometd clients.
const defaultTracerName = "cometd"

// TracingConfig configures the OpenTelemetry tracing extension.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "cometd").
	TracerName string

	// TracerProvider provides the tracer.
	// Default: the global provider.
	TracerProvider trace.TracerProvider

	// IncludeMetaConnect traces /meta/connect exchanges. Long polls make
	// these spans as long as the server hold time.
	// Disabled by default.
	IncludeMetaConnect bool

	// Filter determines which messages to trace by channel.
	// If nil, all messages are traced.
	Filter func(channel string) bool

	// AttributeExtractor extracts custom attributes from outgoing messages.
	AttributeExtractor func(m *bayeux.Message) []attribute.KeyValue
}

// TracingOption configures the OpenTelemetry tracing extension.
type TracingOption func(*TracingConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) TracingOption {
	return func(c *TracingConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) TracingOption {
	return func(c *TracingConfig) {
		c.TracerProvider = tp
	}
}

// WithMetaConnect enables tracing of /meta/connect.
func WithMetaConnect(include bool) TracingOption {
	return func(c *TracingConfig) {
		c.IncludeMetaConnect = include
	}
}

// WithChannelFilter sets a filter function for channels.
func WithChannelFilter(filter func(channel string) bool) TracingOption {
	return func(c *TracingConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(m *bayeux.Message) []attribute.KeyValue) TracingOption {
	return func(c *TracingConfig) {
		c.AttributeExtractor = extractor
	}
}

// Tracing is an extension that traces every request message until its
// reply arrives.
type Tracing struct {
	config TracingConfig
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewTracing creates the tracing extension.
func NewTracing(opts ...TracingOption) *Tracing {
	config := TracingConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	var tracer trace.Tracer
	if config.TracerProvider != nil {
		tracer = config.TracerProvider.Tracer(config.TracerName)
	} else {
		tracer = otel.Tracer(config.TracerName)
	}
	return &Tracing{
		config: config,
		tracer: tracer,
		spans:  make(map[string]trace.Span),
	}
}

// Outgoing starts a span for m.
func (x *Tracing) Outgoing(m *bayeux.Message) *bayeux.Message {
	if m.ID == "" || !x.traced(m.Channel) {
		return m
	}

	attrs := []attribute.KeyValue{
		attribute.String("cometd.channel", m.Channel),
		attribute.String("cometd.message_id", m.ID),
	}
	if m.ClientID != "" {
		attrs = append(attrs, attribute.String("cometd.client_id", m.ClientID))
	}
	if m.Subscription != "" {
		attrs = append(attrs, attribute.String("cometd.subscription", m.Subscription))
	}
	if x.config.AttributeExtractor != nil {
		attrs = append(attrs, x.config.AttributeExtractor(m)...)
	}

	_, span := x.tracer.Start(context.Background(), "cometd "+channelLabel(m.Channel),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	x.mu.Lock()
	defer x.mu.Unlock()
	if m.Channel == bayeux.MetaHandshake {
		x.abandon()
	}
	x.spans[m.ID] = span
	return m
}

// Incoming ends the span of the request m answers.
func (x *Tracing) Incoming(m *bayeux.Message) *bayeux.Message {
	if !m.IsReply() {
		return m
	}
	x.mu.Lock()
	span, ok := x.spans[m.ID]
	delete(x.spans, m.ID)
	x.mu.Unlock()
	if !ok {
		return m
	}

	if m.IsSuccessful() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, m.Error)
	}
	if m.Advice != nil && m.Advice.Reconnect != bayeux.ReconnectUnset {
		span.SetAttributes(attribute.String("cometd.advice.reconnect", m.Advice.Reconnect.String()))
	}
	span.End()
	return m
}

// Pending returns the number of open spans.
func (x *Tracing) Pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.spans)
}

func (x *Tracing) traced(channel string) bool {
	if channel == bayeux.MetaConnect && !x.config.IncludeMetaConnect {
		return false
	}
	return x.config.Filter == nil || x.config.Filter(channel)
}

// abandon ends the spans of a previous session. Callers hold mu.
func (x *Tracing) abandon() {
	for id, span := range x.spans {
		span.SetStatus(codes.Error, "session ended before reply")
		span.End()
		delete(x.spans, id)
	}
}
