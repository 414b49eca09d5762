package transport

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

// pendingEnvelope is an envelope waiting for replies, keyed by the ids of
// the messages it still expects answers for.
type pendingEnvelope struct {
	envelope    *Envelope
	metaConnect bool
	ids         []string
}

func (p *pendingEnvelope) key() string {
	return strings.Join(p.ids, ",")
}

// fail reports the messages that are still unanswered. Messages whose
// replies already arrived were delivered and are left out.
func (p *pendingEnvelope) fail(reason string, err error) {
	if p.envelope.OnFailure == nil {
		return
	}
	unanswered := make([]*bayeux.Message, 0, len(p.ids))
	for _, m := range p.envelope.Messages {
		if m.ID == "" || slices.Contains(p.ids, m.ID) {
			unanswered = append(unanswered, m)
		}
	}
	p.envelope.OnFailure(unanswered, reason, err)
}

// socket is one connection attempt. Events from a socket that is no longer
// current are ignored.
type socket struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// WebSocket carries every exchange over a single socket and matches replies
// to requests by message id.
type WebSocket struct {
	Base

	dialer *websocket.Dialer

	// supportsWebSocket is cleared when an attempt fails before opening.
	supportsWebSocket bool

	socket *socket
	opened bool

	pending  []*pendingEnvelope
	timeouts map[string]Timer

	// onMessages receives every decoded frame, including unsolicited
	// server pushes.
	onMessages func(replies []*bayeux.Message)
}

// NewWebSocket creates a websocket transport. A nil dialer means
// websocket.DefaultDialer.
func NewWebSocket(dialer *websocket.Dialer) *WebSocket {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WebSocket{
		dialer:            dialer,
		supportsWebSocket: true,
		timeouts:          make(map[string]Timer),
	}
}

// Accept reports whether websockets are enabled and no earlier attempt
// failed to open.
func (t *WebSocket) Accept(version string, crossDomain bool, url string) bool {
	if t.host != nil && !t.host.Settings().WebSocketEnabled {
		return false
	}
	return t.supportsWebSocket
}

// Send queues the envelope and transmits it once the socket is open.
func (t *WebSocket) Send(envelope *Envelope, metaConnect bool) {
	if t.host == nil {
		t.later(func() { envelope.fail(ReasonError, ErrNotRegistered) })
		return
	}
	t.onMessages = envelope.OnSuccess

	p := &pendingEnvelope{envelope: envelope, metaConnect: metaConnect, ids: envelope.messageIDs()}
	t.pending = append(t.pending, p)
	t.logger().Debug("websocket envelope", "ids", p.key(), "meta_connect", metaConnect)

	switch {
	case t.socket == nil:
		t.connect()
	case t.opened:
		t.websocketSend(p)
	}
}

// wsURL turns the client URL into a websocket URL.
func wsURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}

func (t *WebSocket) connect() {
	settings := t.host.Settings()
	target := wsURL(t.host.URL())
	t.logger().Debug("websocket connecting", "url", target)

	var ctx context.Context
	var cancel context.CancelFunc
	if settings.ConnectTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), settings.ConnectTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	s := &socket{cancel: cancel}
	t.socket = s
	t.opened = false

	scheduler := t.host.Scheduler()
	headers := settings.RequestHeaders.Clone()
	limit := settings.MaxMessageSize
	go func() {
		conn, _, err := t.dialer.DialContext(ctx, target, headers)
		if err != nil {
			scheduler.Dispatch(func() {
				t.onClose(s, websocket.CloseAbnormalClosure, err.Error())
			})
			return
		}
		if limit > 0 {
			conn.SetReadLimit(limit)
		}
		scheduler.Dispatch(func() { t.onOpen(s, conn) })
		t.readPump(s, conn, scheduler)
	}()
}

// readPump runs off the loop and forwards every frame to it.
func (t *WebSocket) readPump(s *socket, conn *websocket.Conn, scheduler Scheduler) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, text := websocket.CloseAbnormalClosure, err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, text = ce.Code, ce.Text
			}
			scheduler.Dispatch(func() { t.onClose(s, code, text) })
			return
		}
		scheduler.Dispatch(func() { t.onMessage(s, data) })
	}
}

func (t *WebSocket) onOpen(s *socket, conn *websocket.Conn) {
	if s != t.socket {
		t.logger().Debug("closing stale websocket")
		_ = conn.Close()
		return
	}
	t.logger().Debug("websocket opened")
	s.conn = conn
	t.opened = true

	for _, p := range slices.Clone(t.pending) {
		t.websocketSend(p)
	}
}

func (t *WebSocket) websocketSend(p *pendingEnvelope) {
	settings := t.host.Settings()
	data, err := t.host.Codec().Encode(p.envelope.Messages)
	if err == nil {
		if settings.MaxNetworkDelay > 0 {
			_ = t.socket.conn.SetWriteDeadline(time.Now().Add(settings.MaxNetworkDelay))
		}
		err = t.socket.conn.WriteMessage(websocket.TextMessage, data)
	}
	if err != nil {
		t.removePending(p)
		t.later(func() { p.fail(ReasonError, err) })
		return
	}

	delay := settings.MaxNetworkDelay
	if p.metaConnect {
		delay += t.host.Advice().TimeoutDuration()
	}
	for _, id := range p.ids {
		t.timeouts[id] = t.host.Scheduler().AfterFunc(delay, func() {
			t.onTimeout(id, delay)
		})
	}
}

func (t *WebSocket) onTimeout(id string, delay time.Duration) {
	delete(t.timeouts, id)
	p := t.findPending(id)
	if p == nil {
		return
	}
	t.logger().Debug("websocket message timeout", "id", id, "delay", delay)
	t.removePending(p)
	for _, other := range p.ids {
		if timer, ok := t.timeouts[other]; ok {
			timer.Stop()
			delete(t.timeouts, other)
		}
	}
	p.fail(ReasonTimeout, errors.New("transport: websocket message "+id+" timed out after "+delay.String()))
}

func (t *WebSocket) onMessage(s *socket, data []byte) {
	if s != t.socket {
		return
	}
	messages, err := t.host.Codec().Decode(data)
	if err != nil {
		t.logger().Warn("dropping undecodable websocket frame", "error", err)
		return
	}

	var ids []string
	closeSocket := false
	for _, m := range messages {
		if bayeux.IsMeta(m.Channel) || !m.HasData() {
			if m.ID != "" {
				ids = append(ids, m.ID)
				if timer, ok := t.timeouts[m.ID]; ok {
					timer.Stop()
					delete(t.timeouts, m.ID)
				}
			}
		}
		if m.Channel == bayeux.MetaDisconnect && m.IsSuccessful() {
			closeSocket = true
		}
	}

	for _, id := range ids {
		p := t.findPending(id)
		if p == nil {
			continue
		}
		p.ids = slices.DeleteFunc(p.ids, func(x string) bool { return x == id })
		if len(p.ids) == 0 {
			t.removePending(p)
		}
	}

	if t.onMessages != nil && len(messages) > 0 {
		t.onMessages(messages)
	}

	if closeSocket {
		t.closeSocket(websocket.CloseNormalClosure, "Disconnect")
	}
}

func (t *WebSocket) onClose(s *socket, code int, text string) {
	if s != t.socket {
		return
	}
	t.logger().Debug("websocket closed", "code", code, "reason", text, "opened", t.opened)
	if !t.opened {
		t.supportsWebSocket = false
	}
	if t.opened && s.conn != nil {
		_ = s.conn.Close()
	}
	s.cancel()
	t.socket = nil
	t.opened = false

	for id, timer := range t.timeouts {
		timer.Stop()
		delete(t.timeouts, id)
	}

	pending := t.pending
	t.pending = nil
	err := &CloseError{Code: code, Text: text}
	for _, p := range pending {
		p.fail(ReasonClosed, err)
	}
}

// closeSocket sends a close frame on the current socket. The read pump then
// observes the close and reports it through onClose.
func (t *WebSocket) closeSocket(code int, text string) {
	s := t.socket
	if s == nil {
		return
	}
	if s.conn == nil {
		s.cancel()
		return
	}
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = s.conn.Close()
}

func (t *WebSocket) findPending(id string) *pendingEnvelope {
	for _, p := range t.pending {
		if slices.Contains(p.ids, id) {
			return p
		}
	}
	return nil
}

func (t *WebSocket) removePending(p *pendingEnvelope) {
	t.pending = slices.DeleteFunc(t.pending, func(x *pendingEnvelope) bool { return x == p })
}

// Reset closes the socket without failing pending envelopes and forgets all
// state.
func (t *WebSocket) Reset() {
	t.logger().Debug("websocket reset")
	if t.socket != nil {
		t.closeSocket(websocket.CloseNormalClosure, "Reset")
		t.socket.cancel()
	}
	t.supportsWebSocket = true
	t.socket = nil
	t.opened = false
	for id, timer := range t.timeouts {
		timer.Stop()
		delete(t.timeouts, id)
	}
	t.pending = nil
	t.onMessages = nil
}

// Abort closes the socket, failing pending envelopes, and resets.
func (t *WebSocket) Abort() {
	if s := t.socket; s != nil {
		t.closeSocket(websocket.CloseGoingAway, "Abort")
		t.onClose(s, websocket.CloseGoingAway, "Abort")
	}
	t.Reset()
}

// Opened reports whether the current socket completed its opening handshake.
func (t *WebSocket) Opened() bool {
	return t.opened
}

// Pending returns the keys of the envelopes still waiting for replies.
func (t *WebSocket) Pending() []string {
	keys := make([]string, 0, len(t.pending))
	for _, p := range t.pending {
		keys = append(keys, p.key())
	}
	return keys
}
