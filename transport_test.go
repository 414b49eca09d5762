package cometd

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vango-dev/cometd/pkg/bayeux"
	"github.com/vango-dev/cometd/pkg/transport"
)

const testURL = "http://localhost/cometd"

// responder builds the server reply to one request message. A nil reply
// holds the envelope until the test releases it.
type responder func(m *bayeux.Message) *bayeux.Message

// fakeTransport records every envelope and answers through a responder.
type fakeTransport struct {
	transport.Base

	mu        sync.Mutex
	respond   responder
	envelopes []*transport.Envelope
	held      []*transport.Envelope
}

func newFakeTransport(respond responder) *fakeTransport {
	return &fakeTransport{respond: respond}
}

func (f *fakeTransport) Accept(version string, crossDomain bool, url string) bool {
	return true
}

func (f *fakeTransport) Send(env *transport.Envelope, metaConnect bool) {
	f.mu.Lock()
	f.envelopes = append(f.envelopes, env)
	respond := f.respond
	f.mu.Unlock()

	var replies []*bayeux.Message
	for _, m := range env.Messages {
		if reply := respond(m); reply != nil {
			replies = append(replies, reply)
		}
	}
	if len(replies) == 0 {
		f.mu.Lock()
		f.held = append(f.held, env)
		f.mu.Unlock()
		return
	}
	f.Host().Scheduler().Dispatch(func() { env.OnSuccess(replies) })
}

func (f *fakeTransport) setResponder(respond responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = respond
}

// release answers the held envelopes carrying a message on channel.
func (f *fakeTransport) release(channel string, respond responder) {
	f.mu.Lock()
	var keep, release []*transport.Envelope
	for _, env := range f.held {
		if env.Messages[0].Channel == channel {
			release = append(release, env)
		} else {
			keep = append(keep, env)
		}
	}
	f.held = keep
	f.mu.Unlock()

	for _, env := range release {
		var replies []*bayeux.Message
		for _, m := range env.Messages {
			replies = append(replies, respond(m))
		}
		f.Host().Scheduler().Dispatch(func() { env.OnSuccess(replies) })
	}
}

// fail fails the held envelopes carrying a message on channel.
func (f *fakeTransport) fail(channel, reason string, err error) {
	f.mu.Lock()
	var keep, failed []*transport.Envelope
	for _, env := range f.held {
		if env.Messages[0].Channel == channel {
			failed = append(failed, env)
		} else {
			keep = append(keep, env)
		}
	}
	f.held = keep
	f.mu.Unlock()

	for _, env := range failed {
		f.Host().Scheduler().Dispatch(func() { env.OnFailure(env.Messages, reason, err) })
	}
}

// sent returns the messages sent on channel, in order.
func (f *fakeTransport) sent(channel string) []*bayeux.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*bayeux.Message
	for _, env := range f.envelopes {
		for _, m := range env.Messages {
			if m.Channel == channel {
				out = append(out, m)
			}
		}
	}
	return out
}

// sentEnvelopes returns every envelope that carried a message on channel.
func (f *fakeTransport) sentEnvelopes(channel string) []*transport.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*transport.Envelope
	for _, env := range f.envelopes {
		for _, m := range env.Messages {
			if m.Channel == channel {
				out = append(out, env)
				break
			}
		}
	}
	return out
}

// envelopeIndex returns the position of the first envelope carrying a
// message on channel, or -1.
func (f *fakeTransport) envelopeIndex(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, env := range f.envelopes {
		for _, m := range env.Messages {
			if m.Channel == channel {
				return i
			}
		}
	}
	return -1
}

// serverReply is a well-behaved server: handshakes and requests succeed and
// /meta/connect is held.
func serverReply(m *bayeux.Message) *bayeux.Message {
	switch m.Channel {
	case bayeux.MetaHandshake:
		return &bayeux.Message{
			Channel:                  m.Channel,
			ID:                       m.ID,
			Successful:               bayeux.Bool(true),
			ClientID:                 "c1",
			Version:                  bayeux.Version,
			SupportedConnectionTypes: []string{"fake"},
		}
	case bayeux.MetaConnect:
		return nil
	default:
		return &bayeux.Message{
			Channel:      m.Channel,
			ID:           m.ID,
			Successful:   bayeux.Bool(true),
			Subscription: m.Subscription,
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.URL = testURL
	cfg.BackoffIncrement = 10 * time.Millisecond
	cfg.MaxBackoff = 30 * time.Millisecond
	return cfg
}

// newTestClient returns a configured client whose only transport is fake.
func newTestClient(t *testing.T, respond responder) (*Client, *fakeTransport) {
	t.Helper()
	c := New("test", WithLogger(testLogger()), WithoutDefaultTransports())
	t.Cleanup(func() { _ = c.Close() })

	fake := newFakeTransport(respond)
	if ok, err := c.RegisterTransport("fake", fake, -1); !ok || err != nil {
		t.Fatalf("RegisterTransport() = %v, %v", ok, err)
	}
	if err := c.Configure(testConfig()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	return c, fake
}

// connect handshakes and waits for the client to hold a /meta/connect.
func connect(t *testing.T, c *Client, fake *fakeTransport) {
	t.Helper()
	if err := c.Handshake(nil); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	eventually(t, "connected", func() bool {
		return c.Status() == StatusConnected && len(fake.sent(bayeux.MetaConnect)) > 0
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// collect registers a listener on channel that forwards every message.
func collect(t *testing.T, c *Client, channel string) <-chan *bayeux.Message {
	t.Helper()
	ch := make(chan *bayeux.Message, 256)
	if _, err := c.AddListener(channel, func(m *bayeux.Message) { ch <- m }); err != nil {
		t.Fatalf("AddListener(%q) error = %v", channel, err)
	}
	return ch
}

func receive(t *testing.T, ch <-chan *bayeux.Message) *bayeux.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

// flushListeners waits until every notification queued so far has run.
func flushListeners(t *testing.T, c *Client) {
	t.Helper()
	if err := c.loop.Call(func() {}); err != nil {
		t.Fatal(err)
	}
	if err := c.callbacks.Call(func() {}); err != nil {
		t.Fatal(err)
	}
}
