// Package bayeux implements the wire model of the Bayeux protocol.
//
// Bayeux is a channel based publish/subscribe protocol. Session lifecycle is
// driven by messages on meta channels; application data travels on any other
// channel.
//
// # Wire Format
//
// Every message is a JSON object. Requests are always sent as a JSON array,
// even when they carry a single message:
//
//	[{"channel":"/meta/connect","clientId":"2p1x...","connectionType":"long-polling","id":"7"}]
//
// Responses may be an array or a single object.
//
// # Meta Channels
//
//   - /meta/handshake: negotiates version and connection types, returns clientId
//   - /meta/connect: the long-held request the server uses to push messages
//   - /meta/disconnect: ends the session
//   - /meta/subscribe and /meta/unsubscribe: manage channel interest
//
// # Handshake
//
//	Client                                      Server
//	  │                                            │
//	  │──── /meta/handshake ─────────────────────>│
//	  │     (version, supportedConnectionTypes)   │
//	  │                                            │
//	  │<──── /meta/handshake ─────────────────────│
//	  │     (successful, clientId, types, advice) │
//	  │                                            │
//	  │──── /meta/connect ───────────────────────>│
//	  │     (held until data or advice.timeout)   │
//
// # Advice
//
// Servers attach advice to responses to tell the client how to continue:
// retry the connect, handshake again, or stop. Unknown reconnect values are
// rejected when decoding.
//
// # Channel Globbing
//
// Listeners may use single-segment (/foo/*) and recursive (/foo/**) wildcards.
// See Globs for the exact set of patterns a channel is delivered to.
package bayeux
