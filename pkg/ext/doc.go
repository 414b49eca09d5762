// Package ext provides stock extensions for the cometd client.
//
// Extensions sit between the client and the transport and see every message
// crossing the wire. Register them under a name:
//
//	client.RegisterExtension("metrics", ext.NewMetrics(ext.WithNamespace("myapp")))
//	client.RegisterExtension("tracing", ext.NewTracing())
//	client.RegisterExtension("ack", ext.NewAck())
//
// # Prometheus Metrics
//
// Metrics counts messages in each direction by channel type, failed replies,
// handshakes, and observes the time between a request and its reply.
//
// # OpenTelemetry Tracing
//
// Tracing starts a client span for every outgoing message and ends it when
// the reply with the same id arrives. Spans use the global tracer provider
// unless one is given with WithTracerProvider.
//
// # Protocol Extensions
//
// Timestamp stamps outgoing messages, Ack enables the server acknowledgement
// extension so messages are not lost across reconnects, and Auth attaches a
// JWT to handshakes.
//
// Extension hooks run on the client's protocol goroutine. They must be quick
// and must not call client methods.
package ext
