// Package errors provides coded, actionable errors for the cometd command.
//
// Library code reports sentinel errors. The command turns them into an
// *Error carrying a stable code, a category, a plain explanation and a hint,
// and prints it for the terminal:
//
//	err := errors.New("C002").
//	    WithSuggestion("Check cometd.json for a trailing comma").
//	    Wrap(parseErr)
//
//	errors.PrintError(err)
//	// ERROR C002: Invalid configuration file
//	//
//	//   The configuration file is not valid JSON.
//	//
//	//   Hint: Check cometd.json for a trailing comma
//
// # Error Codes
//
// Codes are grouped by category:
//   - C: configuration files and flags
//   - P: Bayeux protocol (handshake denied, negotiation failed)
//   - T: transport (connection refused, timeouts)
//   - U: usage (invalid channels, bad payloads)
package errors
