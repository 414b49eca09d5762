package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

// Doer sends HTTP requests. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// LongPolling posts envelopes as JSON arrays. The server holds /meta/connect
// open until it has messages to deliver or the advised timeout elapses.
type LongPolling struct {
	*RequestTransport

	client              Doer
	supportsCrossDomain bool
}

// NewLongPolling creates a long-polling transport. A nil client means
// http.DefaultClient.
func NewLongPolling(client Doer) *LongPolling {
	if client == nil {
		client = http.DefaultClient
	}
	t := &LongPolling{client: client, supportsCrossDomain: true}
	t.RequestTransport = NewRequestTransport(t)
	return t
}

// Accept reports whether the transport can reach url. Cross-domain support
// is assumed until a request fails.
func (t *LongPolling) Accept(version string, crossDomain bool, url string) bool {
	return t.supportsCrossDomain || !crossDomain
}

// Reset restores the cross-domain assumption.
func (t *LongPolling) Reset() {
	t.RequestTransport.Reset()
	t.supportsCrossDomain = true
}

// Abort cancels outstanding requests and resets.
func (t *LongPolling) Abort() {
	t.AbortRequests()
	t.Reset()
}

// TransportSend implements Sender.
func (t *LongPolling) TransportSend(envelope *Envelope, request *Request) {
	if t.host == nil {
		t.later(func() { envelope.fail(ReasonError, ErrNotRegistered) })
		return
	}
	body, err := t.host.Codec().Encode(envelope.Messages)
	if err != nil {
		t.host.Scheduler().Dispatch(func() {
			t.TransportFailure(envelope, request, ReasonError, err)
		})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, envelope.URL, bytes.NewReader(body))
	if err != nil {
		cancel()
		t.supportsCrossDomain = false
		t.host.Scheduler().Dispatch(func() {
			t.TransportFailure(envelope, request, ReasonError, err)
		})
		return
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	for name, values := range t.host.Settings().RequestHeaders {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	request.SetCancel(cancel)

	codec := t.host.Codec()
	scheduler := t.host.Scheduler()
	exchange := func() {
		defer cancel()
		replies, reason, err := t.exchange(req, codec)
		scheduler.Dispatch(func() {
			if err == nil && len(replies) == 0 {
				reason, err = ReasonNoResponse, ErrEmptyResponse
			}
			if err != nil {
				t.supportsCrossDomain = false
				t.TransportFailure(envelope, request, reason, err)
				return
			}
			t.TransportSuccess(envelope, request, replies)
		})
	}

	if envelope.Sync {
		exchange()
	} else {
		go exchange()
	}
}

// exchange runs off the loop and must not touch transport state.
func (t *LongPolling) exchange(req *http.Request, codec bayeux.Codec) ([]*bayeux.Message, string, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, ReasonError, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ReasonError, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ReasonError, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	replies, err := codec.Decode(body)
	if err != nil {
		return nil, ReasonBadResponse, err
	}
	return replies, "", nil
}
