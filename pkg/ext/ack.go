package ext

import (
	"encoding/json"
	"sync"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

// AckField is the ext field of the acknowledgement extension.
const AckField = "ack"

// Ack enables the server acknowledgement extension. The server then keeps
// the messages of a /meta/connect reply until the next /meta/connect
// acknowledges their batch id, so nothing is lost when a long poll fails.
type Ack struct {
	mu        sync.Mutex
	supported bool
	batch     int64
}

// NewAck creates the acknowledgement extension.
func NewAck() *Ack {
	return &Ack{batch: -1}
}

// Outgoing asks for acknowledgements on handshake and acknowledges the last
// received batch on connect.
func (x *Ack) Outgoing(m *bayeux.Message) *bayeux.Message {
	x.mu.Lock()
	defer x.mu.Unlock()

	switch m.Channel {
	case bayeux.MetaHandshake:
		x.supported = false
		x.batch = -1
		m.GetExt(true)[AckField] = true
	case bayeux.MetaConnect:
		if x.supported {
			m.GetExt(true)[AckField] = x.batch
		}
	}
	return m
}

// Incoming records server support and the batch id of connect replies.
func (x *Ack) Incoming(m *bayeux.Message) *bayeux.Message {
	x.mu.Lock()
	defer x.mu.Unlock()

	switch m.Channel {
	case bayeux.MetaHandshake:
		enabled, _ := m.Ext[AckField].(bool)
		x.supported = m.IsSuccessful() && enabled
	case bayeux.MetaConnect:
		if !m.IsSuccessful() {
			break
		}
		if id, ok := ackID(m.Ext[AckField]); ok {
			x.batch = id
		}
	}
	return m
}

// Supported reports whether the server enabled acknowledgements.
func (x *Ack) Supported() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.supported
}

// Batch returns the last batch id received, or -1.
func (x *Ack) Batch() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.batch
}

func ackID(v any) (int64, bool) {
	switch id := v.(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	case int:
		return int64(id), true
	case json.Number:
		n, err := id.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
