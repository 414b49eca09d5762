package cometdtest

import (
	"strings"
	"sync"
	"time"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

// ackBatch is a group of deliveries waiting for the client to acknowledge it.
type ackBatch struct {
	id       int64
	messages []*bayeux.Message
}

// session is the server side of one client.
type session struct {
	id string

	mu            sync.Mutex
	subscriptions map[string]struct{}
	queue         []*bayeux.Message
	lastSeen      time.Time
	holding       int
	ws            *wsConn

	ack     bool
	batch   int64
	unacked []ackBatch

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, ack bool) *session {
	return &session{
		id:            id,
		subscriptions: make(map[string]struct{}),
		lastSeen:      time.Now(),
		ack:           ack,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// idle reports whether the session has been silent for longer than d and
// has no connect held.
func (s *session) idle(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding == 0 && time.Since(s.lastSeen) > d
}

func (s *session) subscribe(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[channel] = struct{}{}
}

func (s *session) unsubscribe(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, channel)
}

// subscribed reports whether a message on channel reaches the session,
// directly or through a wildcard subscription.
func (s *session) subscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[channel]; ok {
		return true
	}
	for _, glob := range bayeux.Globs(channel) {
		if _, ok := s.subscriptions[glob]; ok {
			return true
		}
	}
	return false
}

func (s *session) channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscriptions))
	for ch := range s.subscriptions {
		out = append(out, ch)
	}
	return out
}

// deliver pushes m on the websocket when the session has one and queues it
// for the next connect otherwise.
func (s *session) deliver(m *bayeux.Message) {
	s.mu.Lock()
	ws := s.ws
	if ws == nil {
		s.queue = append(s.queue, m)
	}
	s.mu.Unlock()

	if ws != nil {
		if err := ws.send([]*bayeux.Message{m}); err == nil {
			return
		}
		s.mu.Lock()
		s.queue = append(s.queue, m)
		s.mu.Unlock()
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// attach binds ws to the session and returns the messages queued while it
// had none.
func (s *session) attach(ws *wsConn) []*bayeux.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws = ws
	queued := s.queue
	s.queue = nil
	return queued
}

func (s *session) detach(ws *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == ws {
		s.ws = nil
	}
}

// acknowledge drops the batches the client has received.
func (s *session) acknowledge(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := s.unacked[:0]
	for _, b := range s.unacked {
		if b.id > id {
			keep = append(keep, b)
		}
	}
	s.unacked = keep
}

// pending reports whether a connect would return messages right away.
func (s *session) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0 || len(s.unacked) > 0
}

func (s *session) hold(delta int) {
	s.mu.Lock()
	s.holding += delta
	s.mu.Unlock()
}

// take returns the messages for a connect reply and, when acknowledgements
// are on, the batch id they travel under.
func (s *session) take() ([]*bayeux.Message, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.queue
	s.queue = nil
	if !s.ack {
		return queued, 0
	}

	var out []*bayeux.Message
	for _, b := range s.unacked {
		out = append(out, b.messages...)
	}
	if len(queued) > 0 {
		s.batch++
		s.unacked = append(s.unacked, ackBatch{id: s.batch, messages: queued})
		out = append(out, queued...)
	}
	return out, s.batch
}

// requeue puts back messages a dropped connect could not deliver.
func (s *session) requeue(messages []*bayeux.Message) {
	if s.ack || len(messages) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(messages, s.queue...)
}

// validSubscription reports whether a client may subscribe to channel.
func validSubscription(channel string) bool {
	return bayeux.ValidChannel(channel) && !bayeux.IsMeta(channel) && !strings.Contains(strings.TrimSuffix(strings.TrimSuffix(channel, "**"), "*"), "*")
}
