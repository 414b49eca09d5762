package cometd

import (
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

// recorder collects the names of the listeners that fired.
type recorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *recorder) listener(name string) Listener {
	return func(*bayeux.Message) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.fired = append(r.fired, name)
	}
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.fired)
}

func dataMessage(channel string) *bayeux.Message {
	return &bayeux.Message{Channel: channel, Data: []byte(`{"x":1}`)}
}

func TestWildcardDispatch(t *testing.T) {
	c, _ := newTestClient(t, serverReply)
	rec := &recorder{}
	for _, ch := range []string{"/a/b/c", "/a/b/*", "/a/b/**", "/a/*", "/a/**", "/**", "/a/b/*/d", "/x/y/z", "/a/b/c/d"} {
		if _, err := c.AddListener(ch, rec.listener(ch)); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.Receive(dataMessage("/a/b/c")); err != nil {
		t.Fatal(err)
	}
	flushListeners(t, c)

	want := []string{"/a/b/c", "/a/b/*", "/a/b/**", "/a/*", "/a/**", "/**"}
	if got := rec.names(); !slices.Equal(got, want) {
		t.Errorf("notified %v, want %v", got, want)
	}
}

func TestRootSingleGlob(t *testing.T) {
	c, _ := newTestClient(t, serverReply)
	rec := &recorder{}
	for _, ch := range []string{"/*", "/**"} {
		if _, err := c.AddListener(ch, rec.listener(ch)); err != nil {
			t.Fatal(err)
		}
	}

	_ = c.Receive(dataMessage("/top"))
	_ = c.Receive(dataMessage("/top/sub"))
	flushListeners(t, c)

	if got, want := rec.names(), []string{"/*", "/**", "/**"}; !slices.Equal(got, want) {
		t.Errorf("notified %v, want %v", got, want)
	}
}

func TestListenersInRegistrationOrder(t *testing.T) {
	c, _ := newTestClient(t, serverReply)
	rec := &recorder{}
	for _, name := range []string{"first", "second", "third"} {
		if _, err := c.AddListener("/chat", rec.listener(name)); err != nil {
			t.Fatal(err)
		}
	}
	_ = c.Receive(dataMessage("/chat"))
	flushListeners(t, c)

	if got, want := rec.names(), []string{"first", "second", "third"}; !slices.Equal(got, want) {
		t.Errorf("notified %v, want %v", got, want)
	}
}

func TestRemoveListener(t *testing.T) {
	c, _ := newTestClient(t, serverReply)
	rec := &recorder{}
	keep, _ := c.AddListener("/chat", rec.listener("keep"))
	drop, _ := c.AddListener("/chat", rec.listener("drop"))

	if err := c.RemoveListener(drop); err != nil {
		t.Fatal(err)
	}
	if drop.Active() || !keep.Active() {
		t.Errorf("Active() = %v/%v", keep.Active(), drop.Active())
	}
	_ = c.Receive(dataMessage("/chat"))
	flushListeners(t, c)
	if got := rec.names(); !slices.Equal(got, []string{"keep"}) {
		t.Errorf("notified %v", got)
	}

	if err := c.ClearListeners(); err != nil {
		t.Fatal(err)
	}
	_ = c.Receive(dataMessage("/chat"))
	flushListeners(t, c)
	if got := rec.names(); len(got) != 1 {
		t.Errorf("notified %v after ClearListeners", got)
	}
}

func TestListenerRemovingItself(t *testing.T) {
	c, _ := newTestClient(t, serverReply)
	rec := &recorder{}
	var self *Subscription
	self, _ = c.AddListener("/chat", func(m *bayeux.Message) {
		rec.listener("self")(m)
		if err := c.RemoveListener(self); err != nil {
			t.Errorf("RemoveListener() from listener error = %v", err)
		}
	})

	_ = c.Receive(dataMessage("/chat"))
	_ = c.Receive(dataMessage("/chat"))
	flushListeners(t, c)
	flushListeners(t, c)

	if got := rec.names(); !slices.Equal(got, []string{"self"}) {
		t.Errorf("notified %v, want once", got)
	}
}

func TestListenerPanicIsContained(t *testing.T) {
	c, _ := newTestClient(t, serverReply)
	rec := &recorder{}

	type report struct {
		sub *Subscription
		err *PanicError
	}
	reports := make(chan report, 1)
	c.OnListenerException(func(sub *Subscription, m *bayeux.Message, err *PanicError) {
		reports <- report{sub, err}
	})

	boom := errors.New("boom")
	bad, _ := c.AddListener("/chat", func(*bayeux.Message) { panic(boom) })
	_, _ = c.AddListener("/chat", rec.listener("good"))

	_ = c.Receive(dataMessage("/chat"))
	flushListeners(t, c)

	if got := rec.names(); !slices.Equal(got, []string{"good"}) {
		t.Errorf("notified %v, want the second listener", got)
	}
	r := <-reports
	if r.sub != bad {
		t.Error("hook got the wrong subscription")
	}
	if !errors.Is(r.err, boom) || r.err.Stack == "" {
		t.Errorf("hook error = %v", r.err)
	}
}

func TestMessagesWithoutDataAreIgnored(t *testing.T) {
	c, _ := newTestClient(t, serverReply)
	rec := &recorder{}
	_, _ = c.AddListener("/chat", rec.listener("chat"))

	_ = c.Receive(&bayeux.Message{Channel: "/chat"})
	flushListeners(t, c)
	if got := rec.names(); len(got) != 0 {
		t.Errorf("notified %v for a message without data", got)
	}
}

func TestHandshakeClearsSubscriptions(t *testing.T) {
	c, fake := newTestClient(t, serverReply)
	connect(t, c, fake)

	rec := &recorder{}
	sub, _ := c.Subscribe("/chat", rec.listener("sub"), nil)
	_, _ = c.AddListener("/chat", rec.listener("listener"))

	connect(t, c, fake)

	if sub.Active() {
		t.Error("subscription survived a new handshake")
	}
	_ = c.Receive(dataMessage("/chat"))
	flushListeners(t, c)
	if got := rec.names(); !slices.Equal(got, []string{"listener"}) {
		t.Errorf("notified %v", got)
	}
}
