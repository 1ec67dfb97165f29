package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Envelope is the outer shape of every frame in all four directions
// (client to broker, broker to client, broker to worker, worker to broker).
type Envelope struct {
	V         int             `json:"v"`
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodeEnvelope parses a frame body. Bodies that are not valid UTF-8 JSON
// fail with invalid_frame; well-formed JSON without a type fails with
// invalid_envelope. Version checking is the dispatcher's job because the
// rejection must echo the request id.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	if !utf8.Valid(body) {
		return nil, NewError(CodeInvalidFrame, "frame body is not valid UTF-8")
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, NewError(CodeInvalidFrame, "frame body is not valid JSON: "+err.Error())
	}
	if env.Type == "" {
		return nil, NewError(CodeInvalidEnvelope, "envelope has no type")
	}
	return &env, nil
}

// NewEnvelope wraps payload in a current-version envelope.
func NewEnvelope(typ string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &Envelope{V: Version, Type: typ, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into v. A missing payload decodes
// into the zero value so `{}` and absent payloads are interchangeable.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return NewError(CodeInvalidEnvelope,
			fmt.Sprintf("malformed %s payload: %v", e.Type, err))
	}
	return nil
}

// Encode serializes the envelope to a frame body.
func (e *Envelope) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", e.Type, err)
	}
	return body, nil
}

// OkResponse builds the success reply for a request. The payload is the
// result object itself, not a wrapper around it.
func OkResponse(requestID string, result any) (*Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal ok result: %w", err)
	}
	return &Envelope{V: Version, Type: TypeOK, RequestID: requestID, Payload: raw}, nil
}

// ErrorResponse builds the failure reply for a request.
func ErrorResponse(requestID string, perr *Error) *Envelope {
	raw, err := json.Marshal(perr)
	if err != nil {
		raw = []byte(`{"code":"internal_error","message":"unencodable error","retryable":false}`)
	}
	return &Envelope{V: Version, Type: TypeError, RequestID: requestID, Payload: raw}
}

// EventEnvelope wraps a broker event for push delivery. Events never carry a
// request id.
func EventEnvelope(ev *Event) (*Envelope, error) {
	return NewEnvelope(TypeEvent, ev)
}
