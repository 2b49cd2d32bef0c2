package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind is the envelope "type" field.
type Kind string

const (
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindEvent     Kind = "event"
	KindHello     Kind = "hello"
	KindHelloAck  Kind = "helloAck"
	KindPing      Kind = "ping"
	KindPong      Kind = "pong"
	KindConnected Kind = "connected"

	// KindSessionClosed tells an endpoint that a caller session is gone.
	KindSessionClosed Kind = "sessionClosed"
)

// Known reports whether k is one of the protocol kinds. Anything else in the
// type field is treated as a legacy command name.
func (k Kind) Known() bool {
	switch k {
	case KindRequest, KindResponse, KindEvent, KindHello, KindHelloAck, KindPing, KindPong, KindConnected, KindSessionClosed:
		return true
	}
	return false
}

// Control reports whether k is handled by the connection layer and never
// reaches command dispatch.
func (k Kind) Control() bool {
	switch k {
	case KindHello, KindHelloAck, KindPing, KindPong, KindConnected:
		return true
	}
	return false
}

// TabID identifies a browser tab. Browser runtimes hand out integer ids while
// CDP uses strings, so decoding accepts both and encoding always writes a string.
type TabID string

// UnmarshalJSON accepts a JSON string, number or null.
func (t *TabID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = TabID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("tab id must be a string or number: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*t = TabID(strconv.FormatInt(i, 10))
		return nil
	}
	*t = TabID(n.String())
	return nil
}

// String returns the raw id.
func (t TabID) String() string { return string(t) }

// Envelope is the unit of wire communication between the hub and an endpoint.
type Envelope struct {
	Type       Kind            `json:"type"`
	WireID     string          `json:"wireId,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	OriginID   string          `json:"originId,omitempty"`
	Name       string          `json:"name,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TabID      TabID           `json:"tabId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	InstanceID string          `json:"instanceId,omitempty"`

	// hello only
	Wants string `json:"wants,omitempty"`

	// Legacy correlation id used by older endpoints instead of wireId.
	ID string `json:"id,omitempty"`
}

// CommandID returns the correlation id, falling back to the legacy id field.
func (e Envelope) CommandID() string {
	if e.WireID != "" {
		return e.WireID
	}
	return e.ID
}

// CommandName returns the command identifier. Legacy senders put the command
// name in the type field.
func (e Envelope) CommandName() string {
	if e.Name != "" {
		return e.Name
	}
	if !e.Type.Known() {
		return string(e.Type)
	}
	return ""
}

// Failed reports whether a response carries an error. The error field is the
// only failure signal.
func (e Envelope) Failed() bool {
	return e.Error != ""
}

// IsRequest reports whether the envelope should be routed to command dispatch.
func (e Envelope) IsRequest() bool {
	if e.Type == KindRequest {
		return true
	}
	return !e.Type.Known() && e.Type != ""
}

// NewRequest builds a request envelope. A nil payload is sent as {}.
func NewRequest(wireID, sessionID, name string, payload any, tab TabID) (Envelope, error) {
	raw, err := marshalObject(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload for %s: %w", name, err)
	}
	return Envelope{
		Type:      KindRequest,
		WireID:    wireID,
		SessionID: sessionID,
		Name:      name,
		Payload:   raw,
		TabID:     tab,
	}, nil
}

// Reply builds a successful response correlated with req.
func Reply(req Envelope, data any) (Envelope, error) {
	raw, err := marshalObject(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode response data: %w", err)
	}
	resp := replyTo(req)
	resp.Data = raw
	return resp, nil
}

// ReplyError builds a failed response correlated with req.
func ReplyError(req Envelope, msg string) Envelope {
	resp := replyTo(req)
	resp.Error = msg
	return resp
}

func replyTo(req Envelope) Envelope {
	return Envelope{
		Type:      KindResponse,
		WireID:    req.CommandID(),
		SessionID: req.SessionID,
		OriginID:  req.OriginID,
		TabID:     req.TabID,
	}
}

// NewEvent builds a non-correlated event envelope.
func NewEvent(sessionID, name string, tab TabID, payload any) (Envelope, error) {
	raw, err := marshalObject(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode event %s: %w", name, err)
	}
	return Envelope{
		Type:      KindEvent,
		SessionID: sessionID,
		Name:      name,
		TabID:     tab,
		Payload:   raw,
	}, nil
}

// Heartbeat builds a ping envelope carrying the current time.
func Heartbeat(now time.Time) Envelope {
	raw, _ := json.Marshal(map[string]int64{"timestamp": now.UnixMilli()})
	return Envelope{Type: KindPing, Payload: raw}
}

// DecodePayload unmarshals the payload into a generic object. A missing
// payload yields an empty map.
func (e Envelope) DecodePayload() (map[string]any, error) {
	return decodeObject(e.Payload)
}

// DecodeData unmarshals response data into a generic object.
func (e Envelope) DecodeData() (map[string]any, error) {
	return decodeObject(e.Data)
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	return out, nil
}

func marshalObject(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(x) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return x, nil
	}
	return json.Marshal(v)
}
