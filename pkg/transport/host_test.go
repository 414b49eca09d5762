package transport

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vango-dev/cometd/internal/loop"
	"github.com/vango-dev/cometd/pkg/bayeux"
)

type loopScheduler struct {
	*loop.Loop
}

func (s loopScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return s.Loop.AfterFunc(d, fn)
}

type testHost struct {
	loop     *loop.Loop
	settings Settings
	advice   bayeux.Advice
	url      string
}

func newTestHost(t *testing.T, settings Settings) *testHost {
	t.Helper()
	l := loop.New(slog.New(slog.NewTextHandler(io.Discard, nil))).Start()
	t.Cleanup(l.Close)
	if settings.MaxConnections == 0 {
		settings.MaxConnections = 2
	}
	if settings.MaxNetworkDelay == 0 {
		settings.MaxNetworkDelay = time.Hour
	}
	return &testHost{
		loop:     l,
		settings: settings,
		advice:   bayeux.Advice{Reconnect: bayeux.ReconnectRetry, Interval: bayeux.Millis(0), Timeout: bayeux.Millis(0)},
		url:      "http://localhost/cometd",
	}
}

func (h *testHost) Settings() Settings { return h.settings }
func (h *testHost) Advice() bayeux.Advice { return h.advice }
func (h *testHost) URL() string { return h.url }
func (h *testHost) Scheduler() Scheduler { return loopScheduler{h.loop} }
func (h *testHost) Codec() bayeux.Codec { return bayeux.JSONCodec{} }
func (h *testHost) Logger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// do runs fn on the loop and waits for it.
func (h *testHost) do(t *testing.T, fn func()) {
	t.Helper()
	if err := h.loop.Call(fn); err != nil {
		t.Fatalf("loop.Call() error = %v", err)
	}
}

type outcome struct {
	replies  []*bayeux.Message
	messages []*bayeux.Message
	reason   string
	err      error
}

// recordingEnvelope builds an envelope whose callbacks report to ch.
func recordingEnvelope(url string, ch chan<- outcome, messages ...*bayeux.Message) *Envelope {
	return &Envelope{
		URL:      url,
		Messages: messages,
		OnSuccess: func(replies []*bayeux.Message) {
			ch <- outcome{replies: replies}
		},
		OnFailure: func(messages []*bayeux.Message, reason string, err error) {
			ch <- outcome{messages: messages, reason: reason, err: err}
		},
	}
}

func waitOutcome(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope callback")
		return outcome{}
	}
}

func expectNoOutcome(t *testing.T, ch <-chan outcome, wait time.Duration) {
	t.Helper()
	select {
	case o := <-ch:
		t.Fatalf("unexpected envelope callback: reason=%q err=%v", o.reason, o.err)
	case <-time.After(wait):
	}
}

func msg(channel, id string) *bayeux.Message {
	return &bayeux.Message{Channel: channel, ID: id}
}
