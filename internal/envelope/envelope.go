// Package envelope models the application-level header set carried in a
// mission's user_info dictionary: route, message_id, is_response,
// is_cancel, and free-form headers, plus an opaque body.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Envelope is the application-facing view of one mission's user_info plus
// its reassembled body.
type Envelope struct {
	ID           string
	Route        string
	MessageID    string
	IsResponse   bool
	IsCancel     bool
	PipeSafeCode string
	Headers      map[string]string
	Body         []byte
}

// ValidationError reports a structurally invalid envelope.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("envelope: invalid %s: %s", e.Field, e.Reason)
}

// New builds an Envelope with a fresh internal correlation ID (a full
// UUID, distinct from the wire-level 8-char message_id).
func New(route string, messageID string, body []byte) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Route:     route,
		MessageID: messageID,
		Headers:   make(map[string]string),
		Body:      body,
	}
}

// FromInfo reconstructs an Envelope from a mission's user_info dictionary
// and reassembled body. Known keys (route, message_id, is_response,
// is_cancel, pipe_safe_code) are lifted to fields; everything else
// becomes a header.
func FromInfo(info map[string]interface{}, body []byte) *Envelope {
	env := &Envelope{
		ID:      uuid.New().String(),
		Headers: make(map[string]string),
		Body:    body,
	}
	for k, v := range info {
		switch k {
		case "route":
			env.Route, _ = v.(string)
		case "message_id":
			env.MessageID, _ = v.(string)
		case "is_response":
			env.IsResponse, _ = v.(bool)
		case "is_cancel":
			env.IsCancel, _ = v.(bool)
		case "pipe_safe_code":
			env.PipeSafeCode, _ = v.(string)
		default:
			if s, ok := v.(string); ok {
				env.Headers[k] = s
			} else if b, err := json.Marshal(v); err == nil {
				env.Headers[k] = string(b)
			}
		}
	}
	return env
}

// ToInfo renders the Envelope's headers back into a mission user_info
// dictionary suitable for mux.CreateMission.
func (e *Envelope) ToInfo() map[string]interface{} {
	info := make(map[string]interface{}, len(e.Headers)+5)
	for k, v := range e.Headers {
		info[k] = v
	}
	if e.Route != "" {
		info["route"] = e.Route
	}
	if e.MessageID != "" {
		info["message_id"] = e.MessageID
	}
	if e.IsResponse {
		info["is_response"] = true
	}
	if e.IsCancel {
		info["is_cancel"] = true
	}
	if e.PipeSafeCode != "" {
		info["pipe_safe_code"] = e.PipeSafeCode
	}
	return info
}

// JSON unmarshals the body as JSON into v.
func (e *Envelope) JSON(v interface{}) error {
	return json.Unmarshal(e.Body, v)
}

// String returns the body decoded as UTF-8 text.
func (e *Envelope) String() string { return string(e.Body) }

// Validate checks the structural invariants the endpoint runtime depends
// on: a message_id must be present on anything claiming to be a response
// or cancellation.
func (e *Envelope) Validate() *ValidationError {
	if (e.IsResponse || e.IsCancel) && e.MessageID == "" {
		return &ValidationError{Field: "message_id", Reason: "response/cancel envelope missing message_id"}
	}
	return nil
}

// EncodeBody renders v as the envelope body: a map/struct is JSON-encoded,
// a string is UTF-8 bytes, and []byte passes through unchanged.
func EncodeBody(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return json.Marshal(v)
	}
}
