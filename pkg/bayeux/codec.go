package bayeux

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Codec converts between messages and their wire encoding.
type Codec interface {
	// Encode serializes messages as one request body.
	Encode(messages []*Message) ([]byte, error)

	// Decode parses a response body into zero or more messages.
	Decode(data []byte) ([]*Message, error)
}

// ErrBadResponse is returned when a response body is neither a message nor
// an array of messages.
var ErrBadResponse = errors.New("bayeux: bad response")

// JSONCodec is the standard Bayeux JSON encoding.
type JSONCodec struct{}

// Encode always produces a JSON array.
func (JSONCodec) Encode(messages []*Message) ([]byte, error) {
	if messages == nil {
		messages = []*Message{}
	}
	return json.Marshal(messages)
}

// Decode accepts an array of messages, a single message object, or an empty
// body (which decodes to no messages).
func (JSONCodec) Decode(data []byte) ([]*Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	switch data[0] {
	case '[':
		var messages []*Message
		if err := json.Unmarshal(data, &messages); err != nil {
			return nil, err
		}
		out := messages[:0]
		for _, m := range messages {
			if m != nil {
				out = append(out, m)
			}
		}
		return out, nil
	case '{':
		m := &Message{}
		if err := json.Unmarshal(data, m); err != nil {
			return nil, err
		}
		return []*Message{m}, nil
	case 'n':
		if string(data) == "null" {
			return nil, nil
		}
	}
	return nil, ErrBadResponse
}

// DefaultCodec is the codec used when none is configured.
var DefaultCodec Codec = JSONCodec{}
