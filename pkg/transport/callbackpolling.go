package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

// DefaultMaxURLLength is the URL ceiling used when Settings.MaxURLLength is
// zero. It is kept well below common server limits so transport-added
// parameters still fit.
const DefaultMaxURLLength = 2000

// CallbackPolling sends envelopes as GET requests carrying the messages in
// the "message" query parameter and expects a JSONP reply wrapping the
// message array in the named callback. It is accepted everywhere and serves
// as the fallback transport.
type CallbackPolling struct {
	*RequestTransport

	client Doer
}

// NewCallbackPolling creates a callback-polling transport. A nil client
// means http.DefaultClient.
func NewCallbackPolling(client Doer) *CallbackPolling {
	if client == nil {
		client = http.DefaultClient
	}
	t := &CallbackPolling{client: client}
	t.RequestTransport = NewRequestTransport(t)
	return t
}

// Accept always reports true.
func (t *CallbackPolling) Accept(version string, crossDomain bool, url string) bool {
	return true
}

func (t *CallbackPolling) maxURLLength() int {
	if n := t.host.Settings().MaxURLLength; n > 0 {
		return n
	}
	return DefaultMaxURLLength
}

// TransportSend implements Sender.
//
// An envelope whose URL would exceed the length limit is split into the
// largest runs of consecutive messages that fit, each sent separately. A
// single message that cannot fit fails with a *MessageTooBigError without
// any network call.
func (t *CallbackPolling) TransportSend(envelope *Envelope, request *Request) {
	if t.host == nil {
		t.later(func() { envelope.fail(ReasonError, ErrNotRegistered) })
		return
	}
	codec := t.host.Codec()
	scheduler := t.host.Scheduler()

	encoded, err := codec.Encode(envelope.Messages)
	if err != nil {
		scheduler.Dispatch(func() {
			t.TransportFailure(envelope, request, ReasonError, err)
		})
		return
	}

	length := len(envelope.URL) + len(url.QueryEscape(string(encoded)))
	limit := t.maxURLLength()
	if length > limit {
		if len(envelope.Messages) == 1 {
			err := &MessageTooBigError{Length: length, Max: limit, Type: t.Type()}
			scheduler.Dispatch(func() {
				t.TransportFailure(envelope, request, ReasonError, err)
			})
			return
		}

		chunks := t.chunks(envelope, codec, limit)
		t.logger().Debug("splitting envelope", "messages", len(envelope.Messages), "chunks", len(chunks), "length", length, "max", limit)
		rest := *envelope
		envelope.Messages = chunks[0]
		t.TransportSend(envelope, request)
		for _, chunk := range chunks[1:] {
			next := rest
			next.Messages = chunk
			// Every further chunk takes its own slot.
			t.Send(&next, request.MetaConnect)
		}
		return
	}

	callback := fmt.Sprintf("_cometd_jsonp_%d", request.ID)
	target, err := url.Parse(envelope.URL)
	if err != nil {
		scheduler.Dispatch(func() {
			t.TransportFailure(envelope, request, ReasonError, err)
		})
		return
	}
	query := target.Query()
	query.Set("jsonp", callback)
	query.Set("message", string(encoded))
	target.RawQuery = query.Encode()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		cancel()
		scheduler.Dispatch(func() {
			t.TransportFailure(envelope, request, ReasonError, err)
		})
		return
	}
	for name, values := range t.host.Settings().RequestHeaders {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	request.SetCancel(cancel)

	exchange := func() {
		defer cancel()
		replies, reason, err := t.exchange(req, callback, codec)
		scheduler.Dispatch(func() {
			if err == nil && len(replies) == 0 {
				reason, err = ReasonNoResponse, ErrEmptyResponse
			}
			if err != nil {
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

// chunks packs the envelope messages, in order, into the largest runs whose
// URL fits within limit. A message that does not fit alone gets a run of its
// own.
func (t *CallbackPolling) chunks(envelope *Envelope, codec bayeux.Codec, limit int) [][]*bayeux.Message {
	var chunks [][]*bayeux.Message
	messages := envelope.Messages
	for len(messages) > 0 {
		n := 1
		for n < len(messages) && t.fits(envelope.URL, messages[:n+1], codec, limit) {
			n++
		}
		chunks = append(chunks, messages[:n:n])
		messages = messages[n:]
	}
	return chunks
}

func (t *CallbackPolling) fits(target string, messages []*bayeux.Message, codec bayeux.Codec, limit int) bool {
	encoded, err := codec.Encode(messages)
	if err != nil {
		return false
	}
	return len(target)+len(url.QueryEscape(string(encoded))) <= limit
}

func (t *CallbackPolling) exchange(req *http.Request, callback string, codec bayeux.Codec) ([]*bayeux.Message, string, error) {
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
	payload, err := unwrapJSONP(body, callback)
	if err != nil {
		return nil, ReasonBadResponse, err
	}
	replies, err := codec.Decode(payload)
	if err != nil {
		return nil, ReasonBadResponse, err
	}
	return replies, "", nil
}

// unwrapJSONP extracts the argument of callback(...) from a JSONP body.
func unwrapJSONP(body []byte, callback string) ([]byte, error) {
	body = bytes.TrimSpace(body)
	body = bytes.TrimSuffix(body, []byte(";"))
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	rest, ok := bytes.CutPrefix(body, []byte(callback))
	if !ok {
		return nil, fmt.Errorf("transport: JSONP response does not call %s: %w", callback, bayeux.ErrBadResponse)
	}
	rest = bytes.TrimSpace(rest)
	if len(rest) < 2 || rest[0] != '(' || rest[len(rest)-1] != ')' {
		return nil, fmt.Errorf("transport: malformed JSONP response: %w", bayeux.ErrBadResponse)
	}
	return bytes.TrimSpace(rest[1 : len(rest)-1]), nil
}

// JSONP wraps payload in a call to callback. It is the server-side
// counterpart of the callback-polling reply format.
func JSONP(callback string, payload []byte) []byte {
	out := make([]byte, 0, len(callback)+len(payload)+3)
	out = append(out, callback...)
	out = append(out, '(')
	out = append(out, payload...)
	return append(out, ");"...)
}
