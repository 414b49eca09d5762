package transport

import (
	"fmt"
	"slices"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

// Request is one in-flight exchange of a RequestTransport.
type Request struct {
	ID          uint64
	MetaConnect bool

	// Expired is set when the request timed out; late replies are dropped.
	Expired bool

	timer  Timer
	cancel func()
}

// SetCancel registers the function that aborts the underlying network call.
func (r *Request) SetCancel(cancel func()) {
	r.cancel = cancel
}

func (r *Request) abort() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Request) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Sender performs the network exchange for a RequestTransport.
type Sender interface {
	// TransportSend starts the exchange and later reports its outcome with
	// TransportSuccess or TransportFailure, on the loop.
	TransportSend(envelope *Envelope, request *Request)
}

type queued struct {
	envelope *Envelope
	request  *Request
}

// RequestTransport enforces the connection discipline of the HTTP
// transports: one slot for /meta/connect and at most MaxConnections-1
// ordinary requests, with the rest queued in FIFO order.
type RequestTransport struct {
	Base

	sender      Sender
	requestIDs  uint64
	metaConnect *Request
	requests    []*Request
	envelopes   []queued
}

// NewRequestTransport creates a RequestTransport that performs exchanges
// through sender.
func NewRequestTransport(sender Sender) *RequestTransport {
	return &RequestTransport{sender: sender}
}

// Send transmits the envelope, queueing it when all ordinary slots are busy.
//
// Send panics if metaConnect is set while another /meta/connect is still
// outstanding.
func (t *RequestTransport) Send(envelope *Envelope, metaConnect bool) {
	if metaConnect {
		t.metaConnectSend(envelope)
	} else {
		t.queueSend(envelope)
	}
}

// Outstanding returns the number of ordinary requests in flight.
func (t *RequestTransport) Outstanding() int {
	return len(t.requests)
}

// Queued returns the number of envelopes waiting for a slot.
func (t *RequestTransport) Queued() int {
	return len(t.envelopes)
}

func (t *RequestTransport) nextRequest(metaConnect bool) *Request {
	t.requestIDs++
	return &Request{ID: t.requestIDs, MetaConnect: metaConnect}
}

func (t *RequestTransport) maxRequests() int {
	n := 1
	if t.host != nil {
		n = t.host.Settings().MaxConnections - 1
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (t *RequestTransport) metaConnectSend(envelope *Envelope) {
	if t.metaConnect != nil {
		panic(fmt.Sprintf("transport: concurrent /meta/connect requests not allowed, request %d not yet completed", t.metaConnect.ID))
	}
	request := t.nextRequest(true)
	t.logger().Debug("meta connect send", "request", request.ID)
	t.metaConnect = request
	t.transportSend(envelope, request)
}

func (t *RequestTransport) queueSend(envelope *Envelope) {
	if len(t.requests) < t.maxRequests() {
		request := t.nextRequest(false)
		t.logger().Debug("send", "request", request.ID, "messages", len(envelope.Messages))
		t.requests = append(t.requests, request)
		t.transportSend(envelope, request)
		return
	}
	t.logger().Debug("queued envelope", "queued", len(t.envelopes)+1)
	t.envelopes = append(t.envelopes, queued{envelope: envelope, request: t.nextRequest(false)})
}

// coalesce moves the messages of every queued envelope bound for the same URL
// with the same sync flag into envelope.
func (t *RequestTransport) coalesce(envelope *Envelope) {
	kept := t.envelopes[:0]
	for _, q := range t.envelopes {
		if q.envelope.URL == envelope.URL && q.envelope.Sync == envelope.Sync {
			envelope.Messages = append(envelope.Messages, q.envelope.Messages...)
			t.logger().Debug("coalesced envelope", "request", q.request.ID, "messages", len(envelope.Messages))
			continue
		}
		kept = append(kept, q)
	}
	clear(t.envelopes[len(kept):])
	t.envelopes = kept
}

func (t *RequestTransport) transportSend(envelope *Envelope, request *Request) {
	t.sender.TransportSend(envelope, request)
	if envelope.Sync || t.host == nil {
		return
	}

	settings := t.host.Settings()
	delay := settings.MaxNetworkDelay
	if request.MetaConnect {
		delay += t.host.Advice().TimeoutDuration()
	}
	request.timer = t.host.Scheduler().AfterFunc(delay, func() {
		request.timer = nil
		request.Expired = true
		request.abort()
		err := fmt.Errorf("transport: request %d timed out after %v", request.ID, delay)
		t.logger().Debug("request timeout", "request", request.ID, "delay", delay)
		t.complete(request, false, request.MetaConnect)
		envelope.fail(ReasonTimeout, err)
	})
}

// TransportSuccess completes request with the server replies. An empty reply
// set fails the envelope with ReasonNoResponse. It must run on the loop.
func (t *RequestTransport) TransportSuccess(envelope *Envelope, request *Request, replies []*bayeux.Message) {
	if request.Expired || t.stale(request) {
		return
	}
	request.stopTimer()
	t.complete(request, true, request.MetaConnect)
	if len(replies) > 0 {
		envelope.succeed(replies)
	} else {
		envelope.fail(ReasonNoResponse, ErrEmptyResponse)
	}
}

// TransportFailure completes request with a failure. It must run on the loop.
func (t *RequestTransport) TransportFailure(envelope *Envelope, request *Request, reason string, err error) {
	if request.Expired || t.stale(request) {
		return
	}
	request.stopTimer()
	t.complete(request, false, request.MetaConnect)
	envelope.fail(reason, err)
}

func (t *RequestTransport) complete(request *Request, success bool, metaConnect bool) {
	if metaConnect {
		t.metaConnectComplete(request)
	} else {
		t.regularComplete(request, success)
	}
}

func (t *RequestTransport) metaConnectComplete(request *Request) {
	if t.metaConnect != nil && t.metaConnect.ID != request.ID {
		panic(fmt.Sprintf("transport: meta connect request %d completed while request %d is outstanding", request.ID, t.metaConnect.ID))
	}
	t.metaConnect = nil
}

// stale reports a /meta/connect completion that belongs to a request
// forgotten by Reset and superseded by a newer one.
func (t *RequestTransport) stale(request *Request) bool {
	if request.MetaConnect && t.metaConnect != nil && t.metaConnect != request {
		t.logger().Debug("dropping stale meta connect completion", "request", request.ID, "outstanding", t.metaConnect.ID)
		return true
	}
	return false
}

func (t *RequestTransport) regularComplete(request *Request, success bool) {
	if i := slices.Index(t.requests, request); i >= 0 {
		t.requests = slices.Delete(t.requests, i, i+1)
	}

	if len(t.envelopes) == 0 {
		return
	}
	next := t.envelopes[0]
	t.envelopes[0] = queued{}
	t.envelopes = t.envelopes[1:]

	if success {
		if t.host != nil && t.host.Settings().AutoBatch {
			t.coalesce(next.envelope)
		}
		t.queueSend(next.envelope)
		return
	}

	// The queued envelope was never sent; fail it on the next turn so the
	// failure cascades through the queue one envelope at a time.
	t.later(func() {
		t.complete(next.request, false, false)
		next.envelope.fail(ReasonError, ErrPreviousRequestFailed)
	})
}

// AbortRequests cancels every outstanding network call.
func (t *RequestTransport) AbortRequests() {
	for _, request := range t.requests {
		t.logger().Debug("aborting request", "request", request.ID)
		request.stopTimer()
		request.abort()
	}
	if t.metaConnect != nil {
		t.logger().Debug("aborting meta connect", "request", t.metaConnect.ID)
		t.metaConnect.stopTimer()
		t.metaConnect.abort()
	}
}

// Reset forgets outstanding requests and queued envelopes.
func (t *RequestTransport) Reset() {
	t.metaConnect = nil
	t.requests = nil
	t.envelopes = nil
}

// Abort cancels outstanding requests and resets.
func (t *RequestTransport) Abort() {
	t.AbortRequests()
	t.Reset()
}
