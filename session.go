package cometd

import (
	"strconv"
	"strings"
	"time"

	"github.com/vango-dev/cometd/pkg/bayeux"
	"github.com/vango-dev/cometd/pkg/transport"
)

// Everything in this file runs on the loop.

func (c *Client) setStatus(s Status) {
	if c.status != s {
		c.logger.Debug("status", "from", c.status, "to", s)
		c.status = s
	}
}

func (c *Client) nextMessageID() string {
	c.messageIDs++
	return strconv.FormatUint(c.messageIDs, 10)
}

// =============================================================================
// Backoff
// =============================================================================

func (c *Client) increaseBackoff() {
	c.backoff = min(c.backoff+c.config.BackoffIncrement, c.config.MaxBackoff)
}

func (c *Client) resetBackoff() {
	c.backoff = 0
}

func (c *Client) delay() time.Duration {
	return c.advice.IntervalDuration() + c.backoff
}

// =============================================================================
// Scheduling
// =============================================================================

func (c *Client) cancelDelayedSend() {
	c.scheduled.Stop()
	c.scheduled = nil
}

func (c *Client) delayedSend(op func()) {
	c.cancelDelayedSend()
	delay := c.delay()
	c.logger.Debug("delayed send", "delay", delay)
	c.scheduled = c.loop.AfterFunc(delay, op)
}

func (c *Client) delayedHandshake() {
	c.setStatus(StatusHandshaking)
	c.internalBatch = true
	c.delayedSend(func() {
		if err := c.handshake(c.handshakeProps); err != nil {
			c.fail(err)
			c.disconnect(false)
		}
	})
}

func (c *Client) delayedConnect() {
	c.setStatus(StatusConnecting)
	c.delayedSend(c.connect)
}

// =============================================================================
// Lifecycle
// =============================================================================

func (c *Client) handshake(props *bayeux.Props) error {
	c.clientID = ""
	c.clearSubscriptions()

	if c.status.disconnected() {
		c.transports.Reset()
		c.advice = c.config.Advice.Clone()
	} else {
		update := bayeux.Advice{Reconnect: bayeux.ReconnectRetry}
		c.advice = update.Merge(c.advice)
	}

	c.internalBatch = true
	c.handshakeProps = props

	types := c.transports.FindTransportTypes(bayeux.Version, c.crossDomain, c.url)
	c.transport = c.transports.NegotiateTransport(types, bayeux.Version, c.crossDomain, c.url)
	if c.transport == nil {
		c.internalBatch = false
		c.setStatus(StatusDisconnected)
		return ErrNoTransport
	}
	c.logger.Debug("initial transport", "type", c.transport.Type(), "candidates", types)

	m := &bayeux.Message{
		Channel:                  bayeux.MetaHandshake,
		Version:                  bayeux.Version,
		MinimumVersion:           bayeux.MinimumVersion,
		SupportedConnectionTypes: types,
		Advice: &bayeux.Advice{
			Timeout:  c.advice.Timeout,
			Interval: c.advice.Interval,
		},
	}
	props.Apply(m)

	c.setStatus(StatusHandshaking)
	// Sent directly: the internal batch holds application messages only.
	c.send(false, []*bayeux.Message{m}, false, "handshake")
	return nil
}

func (c *Client) connect() {
	if c.status.disconnected() || c.transport == nil {
		return
	}
	m := &bayeux.Message{
		Channel:        bayeux.MetaConnect,
		ConnectionType: c.transport.Type(),
	}
	// Until a connect succeeds ask the server not to hold the poll so the
	// connect listeners hear about the session promptly.
	if !c.connected {
		m.Advice = &bayeux.Advice{Timeout: bayeux.Millis(0)}
	}
	c.setStatus(StatusConnecting)
	c.send(false, []*bayeux.Message{m}, true, "connect")
	c.setStatus(StatusConnected)
}

func (c *Client) disconnectSession(sync bool, props *bayeux.Props) {
	if c.status.disconnected() {
		return
	}
	m := &bayeux.Message{Channel: bayeux.MetaDisconnect}
	props.Apply(m)
	c.setStatus(StatusDisconnecting)
	c.send(sync, []*bayeux.Message{m}, false, "disconnect")
}

// disconnect tears the session down locally. Messages still queued are
// failed with ErrDisconnected.
func (c *Client) disconnect(abort bool) {
	c.cancelDelayedSend()
	if abort && c.transport != nil {
		c.transport.Abort()
	}
	c.clientID = ""
	c.setStatus(StatusDisconnected)
	c.batch = 0
	c.internalBatch = false
	c.connected = false
	c.resetBackoff()
	c.transport = nil

	if len(c.queue) > 0 {
		queued := c.queue
		c.queue = nil
		c.handleFailure(queued, transport.ReasonError, ErrDisconnected)
	}
}

// fail records a fatal protocol error and reports it to the application.
func (c *Client) fail(err error) {
	c.err = err
	c.logger.Error("protocol error", "error", err)
	if onError := c.config.OnError; onError != nil {
		c.callbacks.Dispatch(func() { onError(err) })
	}
}

// =============================================================================
// Sending
// =============================================================================

func (c *Client) queueSend(m *bayeux.Message) {
	if c.batch > 0 || c.internalBatch {
		c.queue = append(c.queue, m)
		c.logger.Debug("queued message", "channel", m.Channel, "queued", len(c.queue))
		return
	}
	c.send(false, []*bayeux.Message{m}, false, "")
}

func (c *Client) flushBatch() {
	messages := c.queue
	c.queue = nil
	if len(messages) > 0 {
		c.send(false, messages, false, "")
	}
}

func (c *Client) sendURL(extraPath string) string {
	u := c.url
	if c.appendType {
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		u += extraPath
	}
	return u
}

// send assigns ids, runs the outgoing extensions and hands the messages to
// the transport as one envelope.
func (c *Client) send(sync bool, messages []*bayeux.Message, metaConnect bool, extraPath string) {
	out := make([]*bayeux.Message, 0, len(messages))
	for _, m := range messages {
		m.ID = c.nextMessageID()
		if c.clientID != "" {
			m.ClientID = c.clientID
		}
		if m = c.applyOutgoingExtensions(m); m != nil {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return
	}

	if c.transport == nil {
		c.loop.Dispatch(func() {
			c.handleFailure(out, transport.ReasonError, ErrNoTransport)
		})
		return
	}

	envelope := &transport.Envelope{
		URL:       c.sendURL(extraPath),
		Sync:      sync,
		Messages:  out,
		OnSuccess: c.handleMessages,
		OnFailure: c.handleFailure,
	}
	c.logger.Debug("send", "transport", c.transport.Type(), "url", envelope.URL, "messages", len(out), "meta_connect", metaConnect)
	c.transport.Send(envelope, metaConnect)
}

// =============================================================================
// Receiving
// =============================================================================

func (c *Client) handleMessages(messages []*bayeux.Message) {
	c.logger.Debug("received", "messages", len(messages))
	for _, m := range messages {
		c.receive(m)
	}
}

func (c *Client) receive(m *bayeux.Message) {
	if m = c.applyIncomingExtensions(m); m == nil {
		return
	}
	if m.Advice != nil {
		c.advice = m.Advice.Merge(c.config.Advice)
	}

	switch m.Channel {
	case bayeux.MetaHandshake:
		if err := c.handshakeResponse(m); err != nil {
			c.handshakeFatal(m, err)
		}
	case bayeux.MetaConnect:
		c.connectResponse(m)
	case bayeux.MetaDisconnect:
		c.disconnectResponse(m)
	case bayeux.MetaSubscribe:
		c.subscribeResponse(m)
	case bayeux.MetaUnsubscribe:
		c.unsubscribeResponse(m)
	default:
		c.messageResponse(m)
	}
}

// handshakeResponse completes a handshake. A non-nil error is fatal for the
// session: the server has no transport in common with the client, or its
// advice cannot be followed.
func (c *Client) handshakeResponse(m *bayeux.Message) error {
	if !m.IsSuccessful() {
		c.handshakeFailure(m)
		return nil
	}

	c.clientID = m.ClientID
	next := c.transports.NegotiateTransport(m.SupportedConnectionTypes, m.Version, c.crossDomain, c.url)
	if next == nil {
		return &NegotiationError{
			ClientTypes: c.transports.FindTransportTypes(m.Version, c.crossDomain, c.url),
			ServerTypes: m.SupportedConnectionTypes,
		}
	}
	if next != c.transport {
		c.logger.Info("transport switched", "from", typeOf(c.transport), "to", next.Type())
		c.transport = next
	}

	c.internalBatch = false
	if c.batch == 0 {
		c.flushBatch()
	}

	m.Reestablish = c.reestablish
	c.reestablish = true
	c.notifyListeners(bayeux.MetaHandshake, m)

	action := c.advice.Reconnect
	if c.status.disconnected() {
		action = bayeux.ReconnectNone
	}
	switch action {
	case bayeux.ReconnectRetry:
		c.resetBackoff()
		c.delayedConnect()
	case bayeux.ReconnectNone:
		c.disconnect(false)
	default:
		return &AdviceError{Channel: m.Channel, Reconnect: action}
	}
	return nil
}

// handshakeFatal reports a handshake that succeeded on the wire but cannot
// lead to a session, and disconnects.
func (c *Client) handshakeFatal(m *bayeux.Message, err error) {
	c.fail(err)
	failed := c.failureMessage(m, "fatal", err, bayeux.ReconnectNone)
	c.notifyListeners(bayeux.MetaHandshake, failed)
	c.notifyListeners(bayeux.MetaUnsuccessful, failed)
	c.disconnect(false)
}

func (c *Client) handshakeFailure(m *bayeux.Message) {
	c.notifyListeners(bayeux.MetaHandshake, m)
	c.notifyListeners(bayeux.MetaUnsuccessful, m)

	retry := !c.status.disconnected() && c.advice.Reconnect != bayeux.ReconnectNone
	if retry {
		c.increaseBackoff()
		c.delayedHandshake()
	} else {
		c.disconnect(false)
	}
}

func (c *Client) connectResponse(m *bayeux.Message) {
	c.connected = m.IsSuccessful()
	if !c.connected {
		c.connectFailure(m)
		return
	}

	c.notifyListeners(bayeux.MetaConnect, m)

	action := c.advice.Reconnect
	if c.status.disconnected() {
		action = bayeux.ReconnectNone
	}
	switch action {
	case bayeux.ReconnectRetry:
		c.resetBackoff()
		c.delayedConnect()
	case bayeux.ReconnectHandshake:
		// The server lost the session between the reply and now.
		c.transports.Reset()
		c.resetBackoff()
		c.delayedHandshake()
	default:
		c.disconnect(false)
	}
}

func (c *Client) connectFailure(m *bayeux.Message) {
	c.connected = false
	c.notifyListeners(bayeux.MetaConnect, m)
	c.notifyListeners(bayeux.MetaUnsuccessful, m)

	action := c.advice.Reconnect
	if c.status.disconnected() {
		action = bayeux.ReconnectNone
	}
	switch action {
	case bayeux.ReconnectRetry:
		c.delayedConnect()
		c.increaseBackoff()
	case bayeux.ReconnectHandshake:
		c.transports.Reset()
		c.resetBackoff()
		c.delayedHandshake()
	default:
		c.resetBackoff()
		c.setStatus(StatusDisconnected)
	}
}

func (c *Client) disconnectResponse(m *bayeux.Message) {
	if !m.IsSuccessful() {
		c.disconnectFailure(m)
		return
	}
	c.disconnect(false)
	c.notifyListeners(bayeux.MetaDisconnect, m)
}

func (c *Client) disconnectFailure(m *bayeux.Message) {
	c.disconnect(true)
	c.notifyListeners(bayeux.MetaDisconnect, m)
	c.notifyListeners(bayeux.MetaUnsuccessful, m)
}

func (c *Client) subscribeResponse(m *bayeux.Message) {
	if !m.IsSuccessful() {
		c.subscribeFailure(m)
		return
	}
	c.notifyListeners(bayeux.MetaSubscribe, m)
}

func (c *Client) subscribeFailure(m *bayeux.Message) {
	c.notifyListeners(bayeux.MetaSubscribe, m)
	c.notifyListeners(bayeux.MetaUnsuccessful, m)
}

func (c *Client) unsubscribeResponse(m *bayeux.Message) {
	if !m.IsSuccessful() {
		c.unsubscribeFailure(m)
		return
	}
	c.notifyListeners(bayeux.MetaUnsubscribe, m)
}

func (c *Client) unsubscribeFailure(m *bayeux.Message) {
	c.notifyListeners(bayeux.MetaUnsubscribe, m)
	c.notifyListeners(bayeux.MetaUnsuccessful, m)
}

func (c *Client) messageResponse(m *bayeux.Message) {
	switch {
	case m.Successful == nil:
		if m.HasData() {
			c.notifyListeners(m.Channel, m)
		} else {
			c.logger.Warn("unknown message", "channel", m.Channel, "id", m.ID)
		}
	case *m.Successful:
		c.notifyListeners(bayeux.MetaPublish, m)
	default:
		c.messageFailure(m)
	}
}

func (c *Client) messageFailure(m *bayeux.Message) {
	c.notifyListeners(bayeux.MetaPublish, m)
	c.notifyListeners(bayeux.MetaUnsuccessful, m)
}

// =============================================================================
// Failures
// =============================================================================

// handleFailure turns undelivered messages into failure replies and routes
// each one to the handler of its channel. Failure replies pass through the
// incoming extensions like server replies do.
func (c *Client) handleFailure(messages []*bayeux.Message, reason string, err error) {
	c.logger.Debug("send failed", "messages", len(messages), "reason", reason, "error", err)
	for _, request := range messages {
		reconnect := bayeux.ReconnectNone
		switch request.Channel {
		case bayeux.MetaHandshake, bayeux.MetaConnect:
			reconnect = bayeux.ReconnectRetry
		}
		m := c.applyIncomingExtensions(c.failureMessage(request, reason, err, reconnect))
		if m == nil {
			continue
		}

		switch m.Channel {
		case bayeux.MetaHandshake:
			c.handshakeFailure(m)
		case bayeux.MetaConnect:
			c.connectFailure(m)
		case bayeux.MetaDisconnect:
			c.disconnectFailure(m)
		case bayeux.MetaSubscribe:
			c.subscribeFailure(m)
		case bayeux.MetaUnsubscribe:
			c.unsubscribeFailure(m)
		default:
			c.messageFailure(m)
		}
	}
}

// failureMessage synthesizes the reply for a request that failed locally.
// Its advice carries the recommended action and the current backoff.
func (c *Client) failureMessage(request *bayeux.Message, reason string, err error, reconnect bayeux.Reconnect) *bayeux.Message {
	interval := int64(0)
	if reconnect == bayeux.ReconnectRetry {
		interval = c.backoff.Milliseconds()
	}
	return &bayeux.Message{
		Channel:      request.Channel,
		ID:           request.ID,
		ClientID:     request.ClientID,
		Subscription: request.Subscription,
		Successful:   bayeux.Bool(false),
		Advice: &bayeux.Advice{
			Reconnect: reconnect,
			Interval:  bayeux.Millis(interval),
		},
		Failure: &bayeux.Failure{
			Reason:  reason,
			Err:     err,
			Request: request,
		},
	}
}

func typeOf(t transport.Transport) string {
	if t == nil {
		return ""
	}
	return t.Type()
}
