package bayeux

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reconnect is the server's instruction on how to continue after a response.
type Reconnect uint8

const (
	// ReconnectUnset means the advice carried no reconnect field.
	ReconnectUnset Reconnect = iota

	// ReconnectRetry asks the client to send another /meta/connect after
	// the advised interval.
	ReconnectRetry

	// ReconnectHandshake means the server dropped the session and the client
	// must handshake again before connecting.
	ReconnectHandshake

	// ReconnectNone is a hard failure; the client must not retry.
	ReconnectNone
)

// String returns the wire representation of the reconnect advice.
func (r Reconnect) String() string {
	switch r {
	case ReconnectRetry:
		return "retry"
	case ReconnectHandshake:
		return "handshake"
	case ReconnectNone:
		return "none"
	default:
		return ""
	}
}

// ParseReconnect converts a wire value into a Reconnect.
func ParseReconnect(s string) (Reconnect, error) {
	switch s {
	case "retry":
		return ReconnectRetry, nil
	case "handshake":
		return ReconnectHandshake, nil
	case "none":
		return ReconnectNone, nil
	case "":
		return ReconnectUnset, nil
	default:
		return ReconnectUnset, &ReconnectError{Value: s}
	}
}

// MarshalJSON implements json.Marshaler.
func (r Reconnect) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON implements json.Unmarshaler. Unknown values are an error.
func (r *Reconnect) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseReconnect(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ReconnectError reports a reconnect advice value outside the protocol.
type ReconnectError struct {
	Value string
}

// Error implements the error interface.
func (e *ReconnectError) Error() string {
	return fmt.Sprintf("bayeux: unrecognized reconnect advice %q", e.Value)
}

// Advice is the server guidance attached to a response.
//
// Interval and Timeout are milliseconds and are pointers because zero is a
// meaningful value that must survive a merge.
type Advice struct {
	Reconnect       Reconnect `json:"reconnect,omitempty"`
	Interval        *int64    `json:"interval,omitempty"`
	Timeout         *int64    `json:"timeout,omitempty"`
	MultipleClients bool      `json:"multiple-clients,omitempty"`
	Hosts           []string  `json:"hosts,omitempty"`
}

// Millis returns a pointer to ms, for building advice literals.
func Millis(ms int64) *int64 {
	return &ms
}

// Merge returns base overridden by every field set in a.
func (a *Advice) Merge(base Advice) Advice {
	merged := base.Clone()
	if a == nil {
		return merged
	}
	if a.Reconnect != ReconnectUnset {
		merged.Reconnect = a.Reconnect
	}
	if a.Interval != nil {
		merged.Interval = Millis(*a.Interval)
	}
	if a.Timeout != nil {
		merged.Timeout = Millis(*a.Timeout)
	}
	if a.MultipleClients {
		merged.MultipleClients = true
	}
	if len(a.Hosts) > 0 {
		merged.Hosts = append([]string(nil), a.Hosts...)
	}
	return merged
}

// Clone returns a deep copy of the advice.
func (a Advice) Clone() Advice {
	clone := a
	if a.Interval != nil {
		clone.Interval = Millis(*a.Interval)
	}
	if a.Timeout != nil {
		clone.Timeout = Millis(*a.Timeout)
	}
	if a.Hosts != nil {
		clone.Hosts = append([]string(nil), a.Hosts...)
	}
	return clone
}

// IntervalDuration returns the advised interval, or zero when unset.
func (a Advice) IntervalDuration() time.Duration {
	if a.Interval == nil || *a.Interval < 0 {
		return 0
	}
	return time.Duration(*a.Interval) * time.Millisecond
}

// TimeoutDuration returns the advised long-poll timeout, or zero when unset.
func (a Advice) TimeoutDuration() time.Duration {
	if a.Timeout == nil || *a.Timeout < 0 {
		return 0
	}
	return time.Duration(*a.Timeout) * time.Millisecond
}
