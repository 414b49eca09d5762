// Package transport implements the wire transports of the Bayeux client.
//
// A Transport moves envelopes (one or more messages plus completion
// callbacks) to the server and hands the replies back. Three transports are
// provided:
//
//   - LongPolling: HTTP POST of a JSON array; the server holds /meta/connect
//   - CallbackPolling: HTTP GET with the messages in the query string (JSONP);
//     always available, used as the fallback
//   - WebSocket: one socket carries every exchange; replies are matched to
//     requests by message id
//
// # Threading
//
// Transports are driven by the client's event loop. Send, Reset and Abort are
// called on the loop, and every completion (network reply, error, timeout)
// is dispatched back onto the loop through the Host scheduler. Callbacks are
// therefore never invoked on the stack of the Send call that caused them,
// even when the failure is detected synchronously.
//
// # Connection Slots
//
// The HTTP transports share RequestTransport, which keeps one slot for the
// long-held /meta/connect request and allows at most MaxConnections-1
// ordinary requests in flight. Further envelopes wait in a FIFO queue.
//
// # Negotiation
//
// A Registry keeps transports in priority order. Negotiation picks the first
// registered transport that both sides support; registration order breaks
// ties, not the order the server lists its types in.
package transport
