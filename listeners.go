package cometd

import (
	"maps"
	"runtime/debug"
	"slices"
	"sync/atomic"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

// Listener receives the messages of a channel. Listeners run on the client's
// listener goroutine, one at a time, and must not modify the message.
type Listener func(m *bayeux.Message)

// Subscription is the handle returned by AddListener and Subscribe.
type Subscription struct {
	// Channel is the channel, possibly a wildcard, the callback is bound to.
	Channel string

	id       uint64
	listener bool
	callback Listener
	client   *Client
	removed  atomic.Bool
}

// IsListener reports whether the handle was created by AddListener, which
// never involves the server.
func (s *Subscription) IsListener() bool {
	return s.listener
}

// Active reports whether the handle has not been removed.
func (s *Subscription) Active() bool {
	return !s.removed.Load()
}

// AddListener binds callback to channel locally. It never sends a message to
// the server, which makes it the way to observe /meta channels. It may be
// called while disconnected.
func (c *Client) AddListener(channel string, callback Listener) (*Subscription, error) {
	if !bayeux.ValidChannel(channel) {
		return nil, ErrInvalidChannel
	}
	if callback == nil {
		return nil, ErrNilListener
	}
	var sub *Subscription
	err := c.loop.Call(func() {
		sub = c.addSubscription(channel, callback, true)
	})
	return sub, callErr(err)
}

// RemoveListener removes a handle created by AddListener or Subscribe
// without telling the server.
func (c *Client) RemoveListener(sub *Subscription) error {
	if sub == nil || sub.client != c {
		return ErrInvalidSubscription
	}
	return callErr(c.loop.Call(func() {
		c.removeSubscription(sub)
	}))
}

// ClearListeners removes every handle created by AddListener.
func (c *Client) ClearListeners() error {
	return callErr(c.loop.Call(func() {
		c.clearMatching(func(s *Subscription) bool { return s.listener })
	}))
}

// Subscribe binds callback to channel and subscribes to it on the server.
// Only the first subscription to a channel sends /meta/subscribe; the
// callback is bound before that message leaves.
func (c *Client) Subscribe(channel string, callback Listener, props *bayeux.Props) (*Subscription, error) {
	if !bayeux.ValidChannel(channel) || bayeux.IsMeta(channel) {
		return nil, ErrInvalidChannel
	}
	if callback == nil {
		return nil, ErrNilListener
	}

	var (
		sub *Subscription
		err error
	)
	cerr := c.loop.Call(func() {
		if c.status.disconnected() {
			err = ErrDisconnected
			return
		}
		send := !c.hasSubscriptions(channel)
		sub = c.addSubscription(channel, callback, false)
		if send {
			m := &bayeux.Message{
				Channel:      bayeux.MetaSubscribe,
				Subscription: channel,
			}
			props.Apply(m)
			c.queueSend(m)
		}
	})
	if cerr != nil {
		return nil, callErr(cerr)
	}
	return sub, err
}

// Unsubscribe removes a handle created by Subscribe. The last handle of a
// channel sends /meta/unsubscribe.
func (c *Client) Unsubscribe(sub *Subscription, props *bayeux.Props) error {
	if sub == nil || sub.client != c || sub.listener {
		return ErrInvalidSubscription
	}
	var err error
	cerr := c.loop.Call(func() {
		if c.status.disconnected() {
			err = ErrDisconnected
			return
		}
		if !c.removeSubscription(sub) {
			return
		}
		if !c.hasSubscriptions(sub.Channel) {
			m := &bayeux.Message{
				Channel:      bayeux.MetaUnsubscribe,
				Subscription: sub.Channel,
			}
			props.Apply(m)
			c.queueSend(m)
		}
	})
	if cerr != nil {
		return callErr(cerr)
	}
	return err
}

// ClearSubscriptions drops every handle created by Subscribe without telling
// the server. The server forgets them on the next handshake.
func (c *Client) ClearSubscriptions() error {
	return callErr(c.loop.Call(c.clearSubscriptions))
}

// =============================================================================
// Subscription table (loop only)
// =============================================================================

func (c *Client) addSubscription(channel string, callback Listener, listener bool) *Subscription {
	c.subscriptionIDs++
	sub := &Subscription{
		Channel:  channel,
		id:       c.subscriptionIDs,
		listener: listener,
		callback: callback,
		client:   c,
	}
	subs := c.subscriptions[channel]
	if subs == nil {
		subs = make(map[uint64]*Subscription)
		c.subscriptions[channel] = subs
	}
	subs[sub.id] = sub
	c.logger.Debug("added subscription", "channel", channel, "id", sub.id, "listener", listener)
	return sub
}

// removeSubscription reports whether sub was still registered.
func (c *Client) removeSubscription(sub *Subscription) bool {
	subs := c.subscriptions[sub.Channel]
	if _, ok := subs[sub.id]; !ok {
		return false
	}
	sub.removed.Store(true)
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(c.subscriptions, sub.Channel)
	}
	c.logger.Debug("removed subscription", "channel", sub.Channel, "id", sub.id)
	return true
}

func (c *Client) clearSubscriptions() {
	c.clearMatching(func(s *Subscription) bool { return !s.listener })
}

func (c *Client) clearMatching(match func(*Subscription) bool) {
	for _, subs := range c.subscriptions {
		for _, sub := range subs {
			if match(sub) {
				c.removeSubscription(sub)
			}
		}
	}
}

// hasSubscriptions reports whether channel has a server-side subscription.
func (c *Client) hasSubscriptions(channel string) bool {
	for _, sub := range c.subscriptions[channel] {
		if !sub.listener {
			return true
		}
	}
	return false
}

// notifyListeners delivers m to the callbacks bound to channel, then to the
// callbacks bound to each wildcard matching channel.
func (c *Client) notifyListeners(channel string, m *bayeux.Message) {
	var targets []*Subscription
	for _, name := range append([]string{channel}, bayeux.Globs(channel)...) {
		subs := c.subscriptions[name]
		for _, id := range slices.Sorted(maps.Keys(subs)) {
			targets = append(targets, subs[id])
		}
	}
	if len(targets) == 0 {
		return
	}
	c.callbacks.Dispatch(func() {
		for _, sub := range targets {
			c.notify(sub, m)
		}
	})
}

func (c *Client) notify(sub *Subscription, m *bayeux.Message) {
	if sub.removed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Value: r, Stack: string(debug.Stack())}
			c.logger.Error("listener panic",
				"panic", r,
				"channel", sub.Channel,
				"message_channel", m.Channel,
				"stack", perr.Stack)

			c.hooksMu.RLock()
			hook := c.onListenerPanic
			c.hooksMu.RUnlock()
			if hook != nil {
				hook(sub, m, perr)
			}
		}
	}()
	sub.callback(m)
}
