package ext

import (
	"net/http"
	"time"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

// Timestamp sets the timestamp field of outgoing messages in the HTTP date
// format the Bayeux timestamp extension uses.
type Timestamp struct {
	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// NewTimestamp creates the timestamp extension.
func NewTimestamp() *Timestamp {
	return &Timestamp{Now: time.Now}
}

// Outgoing stamps m.
func (x *Timestamp) Outgoing(m *bayeux.Message) *bayeux.Message {
	now := time.Now
	if x.Now != nil {
		now = x.Now
	}
	m.Timestamp = now().UTC().Format(http.TimeFormat)
	return m
}
