package cometd

import (
	"encoding/json"
	"fmt"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

// Publish sends data on channel. data is encoded as JSON; a json.RawMessage
// is sent as is. The reply is delivered to /meta/publish listeners.
func (c *Client) Publish(channel string, data any, props *bayeux.Props) error {
	if !bayeux.ValidChannel(channel) || bayeux.IsMeta(channel) || bayeux.IsWild(channel) {
		return ErrInvalidChannel
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("cometd: encode data for %s: %w", channel, err)
	}

	m := &bayeux.Message{Channel: channel, Data: raw}
	props.Apply(m)

	cerr := c.loop.Call(func() {
		if c.status.disconnected() {
			err = ErrDisconnected
			return
		}
		c.queueSend(m)
	})
	if cerr != nil {
		return callErr(cerr)
	}
	return err
}

// Send queues a copy of m as it is, honoring batches. It is the low-level
// path for messages the other methods do not build.
func (c *Client) Send(m *bayeux.Message) error {
	if m == nil || !bayeux.ValidChannel(m.Channel) {
		return ErrInvalidChannel
	}
	m = m.Clone()
	return callErr(c.loop.Call(func() {
		c.queueSend(m)
	}))
}

// Receive processes m as if the server had sent it. Extensions use it to
// inject messages.
func (c *Client) Receive(m *bayeux.Message) error {
	if m == nil || !bayeux.ValidChannel(m.Channel) {
		return ErrInvalidChannel
	}
	m = m.Clone()
	if !c.loop.Dispatch(func() { c.receive(m) }) {
		return ErrClosed
	}
	return nil
}

// =============================================================================
// Batching
// =============================================================================

// StartBatch holds outgoing messages until the matching EndBatch. Batches
// nest.
func (c *Client) StartBatch() error {
	return callErr(c.loop.Call(func() {
		c.batch++
		c.logger.Debug("start batch", "depth", c.batch)
	}))
}

// EndBatch closes a batch. Closing the outermost batch sends the held
// messages in one envelope, in the order they were queued.
func (c *Client) EndBatch() error {
	var err error
	cerr := c.loop.Call(func() {
		c.batch--
		c.logger.Debug("end batch", "depth", c.batch)
		if c.batch < 0 {
			c.batch = 0
			err = ErrBatchMismatch
			return
		}
		if c.batch == 0 && !c.status.disconnected() && !c.internalBatch {
			c.flushBatch()
		}
	})
	if cerr != nil {
		return callErr(cerr)
	}
	return err
}

// Batch runs fn inside a batch.
func (c *Client) Batch(fn func()) error {
	if err := c.StartBatch(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = c.EndBatch()
			panic(r)
		}
	}()
	fn()
	return c.EndBatch()
}
