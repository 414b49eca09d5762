package errors

import "slices"

// Template defines a registered error type.
type Template struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]Template{
	// ============================================
	// Configuration Errors (C001-C099)
	// ============================================

	"C001": {
		Category:   CategoryConfig,
		Message:    "Configuration file not found",
		Detail:     "The configuration file named by --config does not exist or cannot be read.",
		Suggestion: "Pass --config with the path to cometd.json, or omit it to use flags only",
	},
	"C002": {
		Category: CategoryConfig,
		Message:  "Invalid configuration file",
		Detail:   "The configuration file is not valid JSON or has a value of the wrong type.",
	},
	"C003": {
		Category: CategoryConfig,
		Message:  "Invalid configuration",
		Detail:   "A configuration value is out of range.",
	},
	"C004": {
		Category:   CategoryConfig,
		Message:    "Missing URL",
		Detail:     "The Bayeux endpoint URL is required.",
		Suggestion: "Pass --url http://host:port/cometd or set \"url\" in cometd.json",
	},
	"C005": {
		Category: CategoryConfig,
		Message:  "Invalid duration",
		Detail:   "Durations are written like \"500ms\", \"10s\" or \"1m\".",
	},
	"C006": {
		Category: CategoryConfig,
		Message:  "Invalid size",
		Detail:   "Sizes are written like \"64KB\" or \"4MB\".",
	},
	"C007": {
		Category:   CategoryConfig,
		Message:    "Unknown transport",
		Detail:     "Known transports are websocket, long-polling and callback-polling.",
		Suggestion: "Pass --transport long-polling",
	},

	// ============================================
	// Protocol Errors (P001-P099)
	// ============================================

	"P001": {
		Category:   CategoryProtocol,
		Message:    "Handshake denied",
		Detail:     "The server refused the handshake and advised the client not to retry.",
		Suggestion: "Check the authentication token (--jwt-secret) the server expects",
	},
	"P002": {
		Category: CategoryProtocol,
		Message:  "Transport negotiation failed",
		Detail:   "The server supports none of the transports the client offered.",
	},
	"P003": {
		Category: CategoryProtocol,
		Message:  "Subscription failed",
		Detail:   "The server did not accept the subscription.",
	},
	"P004": {
		Category: CategoryProtocol,
		Message:  "Publish failed",
		Detail:   "The server did not accept the published message.",
	},

	// ============================================
	// Transport Errors (T001-T099)
	// ============================================

	"T001": {
		Category:   CategoryTransport,
		Message:    "Connection failed",
		Detail:     "The client could not reach the server.",
		Suggestion: "Check that the server is running and the URL is right",
	},
	"T002": {
		Category: CategoryTransport,
		Message:  "Timed out",
		Detail:   "The server did not answer in time.",
	},

	// ============================================
	// Usage Errors (U001-U099)
	// ============================================

	"U001": {
		Category: CategoryUsage,
		Message:  "Invalid channel",
		Detail:   "Channels are absolute paths such as /chat/room. Publishing needs a channel without wildcards outside /meta.",
	},
	"U002": {
		Category:   CategoryUsage,
		Message:    "Invalid message data",
		Detail:     "Message data must be valid JSON.",
		Suggestion: "Quote strings: '\"hello\"'",
	},
}

// Codes returns all registered error codes, sorted.
func Codes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

// Lookup returns the template for an error code.
func Lookup(code string) (Template, bool) {
	t, ok := registry[code]
	return t, ok
}
