package endpoint

import (
	"encoding/json"

	"github.com/tenzoki/meshwire/internal/envelope"
)

// Request is bound fresh for each dispatched message and handed to
// exactly one worker goroutine as a plain parameter, so no two handlers
// ever share one. It must not be retained past the handler's return.
type Request struct {
	route        string
	messageID    string
	isResponse   bool
	isCancel     bool
	pipeSafeCode string
	headers      map[string]interface{}
	meta         []byte
}

// Route is the target handler name this request was dispatched for.
func (r *Request) Route() string { return r.route }

// MessageID is the correlator carried in user_info.
func (r *Request) MessageID() string { return r.messageID }

// IsResponse reports whether this request matches an outstanding pending
// send.
func (r *Request) IsResponse() bool { return r.isResponse }

// IsCancel reports whether the peer is signalling cancellation of
// MessageID.
func (r *Request) IsCancel() bool { return r.isCancel }

// PipeSafeCode is the MultiPipe child the request arrived on, if any.
func (r *Request) PipeSafeCode() string { return r.pipeSafeCode }

// Headers exposes the remaining user_info keys.
func (r *Request) Headers() map[string]interface{} { return r.headers }

// Meta returns the raw mission body.
func (r *Request) Meta() []byte { return r.meta }

// String decodes Meta as UTF-8 text.
func (r *Request) String() string { return string(r.meta) }

// JSON unmarshals Meta into v.
func (r *Request) JSON(v interface{}) error { return json.Unmarshal(r.meta, v) }

// requestFromInfo builds a Request from a mission's user_info dictionary
// and reassembled body, via envelope.FromInfo's known-key lifting so the
// wire-level header convention lives in one place.
func requestFromInfo(info map[string]interface{}, meta []byte) *Request {
	env := envelope.FromInfo(info, meta)
	headers := make(map[string]interface{}, len(env.Headers))
	for k, v := range env.Headers {
		headers[k] = v
	}
	return &Request{
		route:        env.Route,
		messageID:    env.MessageID,
		isResponse:   env.IsResponse,
		isCancel:     env.IsCancel,
		pipeSafeCode: env.PipeSafeCode,
		headers:      headers,
		meta:         env.Body,
	}
}

// Response is what a handler or hook returns to short-circuit or reply.
type Response struct {
	Route string
	Data  interface{}
}
