package bayeux

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Protocol version constants sent on handshake.
const (
	Version        = "1.0"
	MinimumVersion = "0.9"
)

// Message is the Bayeux wire unit.
type Message struct {
	Channel                  string          `json:"channel"`
	ID                       string          `json:"id,omitempty"`
	ClientID                 string          `json:"clientId,omitempty"`
	Data                     json.RawMessage `json:"data,omitempty"`
	Successful               *bool           `json:"successful,omitempty"`
	Advice                   *Advice         `json:"advice,omitempty"`
	Subscription             string          `json:"subscription,omitempty"`
	Error                    string          `json:"error,omitempty"`
	Version                  string          `json:"version,omitempty"`
	MinimumVersion           string          `json:"minimumVersion,omitempty"`
	SupportedConnectionTypes []string        `json:"supportedConnectionTypes,omitempty"`
	ConnectionType           string          `json:"connectionType,omitempty"`
	Timestamp                string          `json:"timestamp,omitempty"`
	Ext                      map[string]any  `json:"ext,omitempty"`

	// Fields holds additional top-level properties. On encode they never
	// override the protocol fields above; on decode they collect every
	// property the struct does not know.
	Fields map[string]any `json:"-"`

	// Failure is set on messages the client synthesizes when a request could
	// not be delivered. It never travels on the wire.
	Failure *Failure `json:"-"`

	// Reestablish is set on successful handshake responses when the session
	// replaces an earlier one.
	Reestablish bool `json:"-"`
}

// Failure describes why a request failed before the server could answer.
type Failure struct {
	// Reason is a short classification: "timeout", "closed", "error",
	// "no response", "bad response" or an HTTP status.
	Reason string

	// Err is the underlying cause, when there is one.
	Err error

	// Request is the message that could not be delivered.
	Request *Message
}

// Error implements the error interface so failures can travel as errors.
func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("bayeux: %s: %v", f.Reason, f.Err)
	}
	return "bayeux: " + f.Reason
}

// Unwrap returns the underlying cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

// Bool returns a pointer to b, for building Successful literals.
func Bool(b bool) *bool {
	return &b
}

// IsSuccessful reports whether the message is a successful reply.
func (m *Message) IsSuccessful() bool {
	return m.Successful != nil && *m.Successful
}

// IsReply reports whether the message carries a successful field, which
// distinguishes replies from delivered data.
func (m *Message) IsReply() bool {
	return m.Successful != nil
}

// IsMeta reports whether the message travels on a meta channel.
func (m *Message) IsMeta() bool {
	return IsMeta(m.Channel)
}

// HasData reports whether the message carries a data payload.
func (m *Message) HasData() bool {
	return len(m.Data) > 0
}

// DecodeData unmarshals the data payload into v.
func (m *Message) DecodeData(v any) error {
	if !m.HasData() {
		return fmt.Errorf("bayeux: message on %s has no data", m.Channel)
	}
	return json.Unmarshal(m.Data, v)
}

// Clone returns a copy of the message. Maps and slices are copied one level
// deep so that extensions can modify the copy freely.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Successful != nil {
		clone.Successful = Bool(*m.Successful)
	}
	if m.Advice != nil {
		a := m.Advice.Clone()
		clone.Advice = &a
	}
	if m.Data != nil {
		clone.Data = append(json.RawMessage(nil), m.Data...)
	}
	if m.SupportedConnectionTypes != nil {
		clone.SupportedConnectionTypes = append([]string(nil), m.SupportedConnectionTypes...)
	}
	if m.Ext != nil {
		clone.Ext = make(map[string]any, len(m.Ext))
		for k, v := range m.Ext {
			clone.Ext[k] = v
		}
	}
	if m.Fields != nil {
		clone.Fields = make(map[string]any, len(m.Fields))
		for k, v := range m.Fields {
			clone.Fields[k] = v
		}
	}
	return &clone
}

// GetExt returns the ext map, creating it when create is true.
func (m *Message) GetExt(create bool) map[string]any {
	if m.Ext == nil && create {
		m.Ext = make(map[string]any)
	}
	return m.Ext
}

// wireMessage avoids recursion into the custom marshalers.
type wireMessage Message

// MarshalJSON implements json.Marshaler, merging Fields underneath the
// protocol fields.
func (m *Message) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal((*wireMessage)(m))
	if err != nil {
		return nil, err
	}
	if len(m.Fields) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Fields {
		if _, taken := merged[k]; taken || knownField(k) {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("bayeux: field %q: %w", k, err)
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

// UnmarshalJSON implements json.Unmarshaler, collecting unknown properties
// into Fields.
func (m *Message) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*wireMessage)(m)); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k, raw := range all {
		if knownField(k) {
			continue
		}
		var v any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return err
		}
		if m.Fields == nil {
			m.Fields = make(map[string]any)
		}
		m.Fields[k] = v
	}
	return nil
}

var knownFields = map[string]struct{}{
	"channel":                  {},
	"id":                       {},
	"clientId":                 {},
	"data":                     {},
	"successful":               {},
	"advice":                   {},
	"subscription":             {},
	"error":                    {},
	"version":                  {},
	"minimumVersion":           {},
	"supportedConnectionTypes": {},
	"connectionType":           {},
	"timestamp":                {},
	"ext":                      {},
}

func knownField(name string) bool {
	_, ok := knownFields[name]
	return ok
}

// Props are caller-supplied properties merged into a protocol message.
// Protocol-required fields always win over Props.
type Props struct {
	// Ext is merged into the message ext map.
	Ext map[string]any

	// Fields are extra top-level properties.
	Fields map[string]any
}

// Apply merges the props into m without touching fields m already sets.
func (p *Props) Apply(m *Message) {
	if p == nil {
		return
	}
	if len(p.Ext) > 0 {
		ext := m.GetExt(true)
		for k, v := range p.Ext {
			if _, ok := ext[k]; !ok {
				ext[k] = v
			}
		}
	}
	if len(p.Fields) > 0 {
		if m.Fields == nil {
			m.Fields = make(map[string]any, len(p.Fields))
		}
		for k, v := range p.Fields {
			if _, ok := m.Fields[k]; !ok {
				m.Fields[k] = v
			}
		}
	}
}
