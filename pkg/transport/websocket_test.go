package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newWSServer runs serve for every accepted socket.
func newWSServer(t *testing.T, serve func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newWebSocket(t *testing.T, url string, settings Settings) (*WebSocket, *testHost) {
	t.Helper()
	settings.WebSocketEnabled = true
	h := newTestHost(t, settings)
	h.url = url
	ws := NewWebSocket(nil)
	ws.Registered(TypeWebSocket, h)
	return ws, h
}

func TestWsURL(t *testing.T) {
	tests := map[string]string{
		"http://host/cometd":  "ws://host/cometd",
		"https://host/cometd": "wss://host/cometd",
		"ws://host/cometd":    "ws://host/cometd",
	}
	for in, want := range tests {
		if got := wsURL(in); got != want {
			t.Errorf("wsURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWebSocketRepliesMatchedByID(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			var messages []*bayeux.Message
			if err := conn.ReadJSON(&messages); err != nil {
				return
			}
			replies := make([]*bayeux.Message, 0, len(messages))
			for _, m := range messages {
				replies = append(replies, &bayeux.Message{Channel: m.Channel, ID: m.ID, Successful: bayeux.Bool(true)})
			}
			if err := conn.WriteJSON(replies); err != nil {
				return
			}
		}
	})

	ws, h := newWebSocket(t, srv.URL, Settings{})
	ch := make(chan outcome, 2)
	h.do(t, func() {
		ws.Send(recordingEnvelope(srv.URL, ch, msg(bayeux.MetaHandshake, "1")), false)
	})

	o := waitOutcome(t, ch)
	if o.err != nil || len(o.replies) != 1 || o.replies[0].ID != "1" {
		t.Fatalf("outcome = %+v", o)
	}

	var pending []string
	var opened bool
	h.do(t, func() { pending, opened = ws.Pending(), ws.Opened() })
	if len(pending) != 0 {
		t.Fatalf("Pending() = %v, want empty after reply", pending)
	}
	if !opened {
		t.Fatal("Opened() = false")
	}
}

func TestWebSocketCloseFailsPendingEnvelopes(t *testing.T) {
	received := make(chan int, 4)
	closeNow := make(chan struct{})
	srv := newWSServer(t, func(conn *websocket.Conn) {
		for i := 1; i <= 2; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			received <- i
		}
		<-closeNow
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(time.Second))
	})

	ws, h := newWebSocket(t, srv.URL, Settings{MaxNetworkDelay: time.Second})
	ch := make(chan outcome, 4)
	h.do(t, func() {
		ws.Send(recordingEnvelope(srv.URL, ch, msg("/a", "5")), false)
		ws.Send(recordingEnvelope(srv.URL, ch, msg("/a", "6"), msg("/a", "7")), false)
	})
	<-received
	<-received

	var pending []string
	h.do(t, func() { pending = ws.Pending() })
	if len(pending) != 2 || pending[0] != "5" || pending[1] != "6,7" {
		t.Fatalf("Pending() = %v, want [5 6,7]", pending)
	}

	close(closeNow)
	for i := 0; i < 2; i++ {
		o := waitOutcome(t, ch)
		if o.reason != ReasonClosed {
			t.Fatalf("reason = %q, want %q", o.reason, ReasonClosed)
		}
	}
	// The per-message timeouts were cleared with the close.
	expectNoOutcome(t, ch, 1300*time.Millisecond)

	var accepted bool
	h.do(t, func() { accepted = ws.Accept(bayeux.Version, false, srv.URL) })
	if !accepted {
		t.Fatal("a clean close after opening must not disable websocket")
	}
}

func TestWebSocketFailedOpenDisablesTransport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ws, h := newWebSocket(t, srv.URL, Settings{})
	ch := make(chan outcome, 1)
	h.do(t, func() {
		ws.Send(recordingEnvelope(srv.URL, ch, msg(bayeux.MetaHandshake, "1")), false)
	})

	if o := waitOutcome(t, ch); o.reason != ReasonClosed {
		t.Fatalf("reason = %q, want %q", o.reason, ReasonClosed)
	}
	var accepted bool
	h.do(t, func() { accepted = ws.Accept(bayeux.Version, false, srv.URL) })
	if accepted {
		t.Fatal("Accept() = true after the socket failed to open")
	}

	h.do(t, ws.Reset)
	h.do(t, func() { accepted = ws.Accept(bayeux.Version, false, srv.URL) })
	if !accepted {
		t.Fatal("Reset() should restore websocket support")
	}
}

func TestWebSocketMessageTimeout(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ws, h := newWebSocket(t, srv.URL, Settings{MaxNetworkDelay: 50 * time.Millisecond})
	ch := make(chan outcome, 2)
	h.do(t, func() {
		ws.Send(recordingEnvelope(srv.URL, ch, msg("/a", "1"), msg("/a", "2")), false)
	})

	o := waitOutcome(t, ch)
	if o.reason != ReasonTimeout {
		t.Fatalf("reason = %q, want %q", o.reason, ReasonTimeout)
	}
	if len(o.messages) != 2 {
		t.Fatalf("failed messages = %d, want the whole envelope", len(o.messages))
	}
	// The second id's timer was cancelled with the envelope.
	expectNoOutcome(t, ch, 150*time.Millisecond)
}

func TestWebSocketTimeoutFailsOnlyUnansweredMessages(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		var messages []*bayeux.Message
		if err := conn.ReadJSON(&messages); err != nil {
			return
		}
		reply := []*bayeux.Message{{Channel: "/a", ID: "6", Successful: bayeux.Bool(true)}}
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ws, h := newWebSocket(t, srv.URL, Settings{MaxNetworkDelay: 300 * time.Millisecond})
	ch := make(chan outcome, 2)
	h.do(t, func() {
		ws.Send(recordingEnvelope(srv.URL, ch, msg("/a", "6"), msg("/a", "7")), false)
	})

	first := waitOutcome(t, ch)
	if first.err != nil || len(first.replies) != 1 || first.replies[0].ID != "6" {
		t.Fatalf("first outcome = %+v, want the reply to 6", first)
	}

	var pending []string
	h.do(t, func() { pending = ws.Pending() })
	if len(pending) != 1 || pending[0] != "7" {
		t.Fatalf("Pending() = %v, want [7]", pending)
	}

	second := waitOutcome(t, ch)
	if second.reason != ReasonTimeout {
		t.Fatalf("reason = %q, want %q", second.reason, ReasonTimeout)
	}
	if len(second.messages) != 1 || second.messages[0].ID != "7" {
		ids := make([]string, 0, len(second.messages))
		for _, m := range second.messages {
			ids = append(ids, m.ID)
		}
		t.Fatalf("failed ids = %v, want [7]", ids)
	}
}

func TestWebSocketCloseFailsOnlyUnansweredMessages(t *testing.T) {
	closeNow := make(chan struct{})
	srv := newWSServer(t, func(conn *websocket.Conn) {
		var messages []*bayeux.Message
		if err := conn.ReadJSON(&messages); err != nil {
			return
		}
		reply := []*bayeux.Message{{Channel: "/a", ID: "7", Successful: bayeux.Bool(true)}}
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
		<-closeNow
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(time.Second))
	})

	ws, h := newWebSocket(t, srv.URL, Settings{MaxNetworkDelay: 5 * time.Second})
	ch := make(chan outcome, 2)
	h.do(t, func() {
		ws.Send(recordingEnvelope(srv.URL, ch, msg("/a", "6"), msg("/a", "7")), false)
	})

	if o := waitOutcome(t, ch); o.err != nil || len(o.replies) != 1 {
		t.Fatalf("first outcome = %+v, want the reply to 7", o)
	}
	close(closeNow)

	o := waitOutcome(t, ch)
	if o.reason != ReasonClosed {
		t.Fatalf("reason = %q, want %q", o.reason, ReasonClosed)
	}
	if len(o.messages) != 1 || o.messages[0].ID != "6" {
		t.Fatalf("failed messages = %+v, want only 6", o.messages)
	}
}

func TestWebSocketUnsolicitedMessages(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		var messages []*bayeux.Message
		if err := conn.ReadJSON(&messages); err != nil {
			return
		}
		push := []*bayeux.Message{
			{Channel: "/chat", Data: json.RawMessage(`{"text":"hi"}`)},
			{Channel: messages[0].Channel, ID: messages[0].ID, Successful: bayeux.Bool(true)},
		}
		_ = conn.WriteJSON(push)
		_, _, _ = conn.ReadMessage()
	})

	ws, h := newWebSocket(t, srv.URL, Settings{})
	ch := make(chan outcome, 1)
	h.do(t, func() {
		ws.Send(recordingEnvelope(srv.URL, ch, msg(bayeux.MetaConnect, "3")), true)
	})

	o := waitOutcome(t, ch)
	if len(o.replies) != 2 || o.replies[0].Channel != "/chat" {
		t.Fatalf("replies = %+v, want the push and the reply in one batch", o.replies)
	}
}
