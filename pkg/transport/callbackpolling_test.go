package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

// jsonpEcho answers every message with a successful reply carrying its id.
func jsonpEcho(calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var messages []*bayeux.Message
		if err := json.Unmarshal([]byte(r.URL.Query().Get("message")), &messages); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		replies := make([]*bayeux.Message, 0, len(messages))
		for _, m := range messages {
			replies = append(replies, &bayeux.Message{Channel: m.Channel, ID: m.ID, Successful: bayeux.Bool(true)})
		}
		payload, _ := json.Marshal(replies)
		w.Header().Set("Content-Type", "text/javascript")
		_, _ = w.Write(JSONP(r.URL.Query().Get("jsonp"), payload))
	}
}

func newCallbackPolling(t *testing.T, settings Settings) (*CallbackPolling, *testHost) {
	t.Helper()
	h := newTestHost(t, settings)
	cp := NewCallbackPolling(nil)
	cp.Registered(TypeCallbackPolling, h)
	return cp, h
}

func TestCallbackPollingRoundTrip(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(jsonpEcho(&calls))
	defer srv.Close()

	cp, h := newCallbackPolling(t, Settings{})
	ch := make(chan outcome, 1)
	h.do(t, func() {
		cp.Send(recordingEnvelope(srv.URL, ch, msg("/a", "1"), msg("/b", "2")), false)
	})

	o := waitOutcome(t, ch)
	if o.err != nil {
		t.Fatalf("failure: %s %v", o.reason, o.err)
	}
	if len(o.replies) != 2 || o.replies[1].ID != "2" || !o.replies[1].IsSuccessful() {
		t.Fatalf("replies = %+v", o.replies)
	}
}

func TestCallbackPollingMessageTooBig(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(jsonpEcho(&calls))
	defer srv.Close()

	cp, h := newCallbackPolling(t, Settings{})
	big := msg("/a", "1")
	big.Data = json.RawMessage(`"` + strings.Repeat("x", 2500) + `"`)

	ch := make(chan outcome, 1)
	h.do(t, func() {
		cp.Send(recordingEnvelope(srv.URL, ch, big), false)
	})

	o := waitOutcome(t, ch)
	var tooBig *MessageTooBigError
	if o.reason != ReasonError || !errors.As(o.err, &tooBig) {
		t.Fatalf("outcome = %q %v, want MessageTooBigError", o.reason, o.err)
	}
	if tooBig.Max != DefaultMaxURLLength {
		t.Errorf("Max = %d, want %d", tooBig.Max, DefaultMaxURLLength)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("server calls = %d, want none", n)
	}
}

func TestCallbackPollingSplitsOversizeEnvelopes(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(jsonpEcho(&calls))
	defer srv.Close()

	cp, h := newCallbackPolling(t, Settings{MaxConnections: 8})
	var messages []*bayeux.Message
	for _, id := range []string{"1", "2", "3", "4"} {
		m := msg("/a", id)
		m.Data = json.RawMessage(`"` + strings.Repeat("y", 600) + `"`)
		messages = append(messages, m)
	}

	ch := make(chan outcome, 8)
	h.do(t, func() {
		cp.Send(recordingEnvelope(srv.URL, ch, messages...), false)
	})

	got := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for len(got) < 4 {
		select {
		case o := <-ch:
			if o.err != nil {
				t.Fatalf("failure: %s %v", o.reason, o.err)
			}
			for _, r := range o.replies {
				got[r.ID] = true
			}
		case <-deadline:
			t.Fatalf("replies = %v, want all four messages delivered", got)
		}
	}
	if n := calls.Load(); n < 2 {
		t.Fatalf("server calls = %d, want the envelope split", n)
	}
}

func TestCallbackPollingChunksPackGreedily(t *testing.T) {
	cp, _ := newCallbackPolling(t, Settings{})
	codec := bayeux.JSONCodec{}
	const target = "http://localhost/cometd"

	small := func(id string) *bayeux.Message {
		m := msg("/a", id)
		m.Data = json.RawMessage(`"` + strings.Repeat("s", 100) + `"`)
		return m
	}
	big := msg("/a", "big")
	big.Data = json.RawMessage(`"` + strings.Repeat("b", 5000) + `"`)
	messages := []*bayeux.Message{small("1"), small("2"), small("3"), big, small("4"), small("5")}

	encoded, err := codec.Encode(messages[:3])
	if err != nil {
		t.Fatal(err)
	}
	limit := len(target) + len(url.QueryEscape(string(encoded)))

	chunks := cp.chunks(&Envelope{URL: target, Messages: messages}, codec, limit)
	var got [][]string
	for _, chunk := range chunks {
		var ids []string
		for _, m := range chunk {
			ids = append(ids, m.ID)
		}
		got = append(got, ids)
	}
	want := [][]string{{"1", "2", "3"}, {"big"}, {"4", "5"}}
	if len(got) != len(want) {
		t.Fatalf("chunks = %v, want %v", got, want)
	}
	for i := range want {
		if strings.Join(got[i], ",") != strings.Join(want[i], ",") {
			t.Fatalf("chunks = %v, want %v", got, want)
		}
	}
}

func TestCallbackPollingAlwaysAccepts(t *testing.T) {
	cp, _ := newCallbackPolling(t, Settings{})
	if !cp.Accept(bayeux.Version, true, "http://elsewhere") {
		t.Fatal("Accept() = false")
	}
}

func TestUnwrapJSONP(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"plain", `cb([{"id":"1"}])`, `[{"id":"1"}]`, false},
		{"semicolon", "cb( [] );\n", `[]`, false},
		{"empty", ``, ``, false},
		{"wrong callback", `other([])`, ``, true},
		{"not a call", `cb`, ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := unwrapJSONP([]byte(tt.body), "cb")
			if (err != nil) != tt.wantErr {
				t.Fatalf("unwrapJSONP() error = %v, wantErr %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Fatalf("unwrapJSONP() = %q, want %q", got, tt.want)
			}
		})
	}
}
