package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// DecodeError is returned by Decode for any input that is not a valid
// envelope. Callers log and drop the input.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode envelope: " + e.Reason
	}
	return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// header holds the routing fields shared by every envelope.
type header struct {
	ClientKey string `json:"clientKey"`
	Action    Action `json:"action"`
}

// Encode serializes an envelope into one flat JSON object with clientKey and
// action first, followed by the payload fields.
func Encode(e Envelope) ([]byte, error) {
	if e.ClientKey == "" {
		return nil, errors.New("encode envelope: empty clientKey")
	}
	if e.Payload == nil {
		return nil, fmt.Errorf("encode envelope: nil payload for action %q", e.Action)
	}
	if e.Action != "" && e.Action != e.Payload.Action() {
		return nil, fmt.Errorf("encode envelope: action %q does not match %T", e.Action, e.Payload)
	}

	head, err := json.Marshal(header{ClientKey: e.ClientKey, Action: e.Payload.Action()})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	// A typed nil pointer marshals to null.
	inner := bytes.TrimSpace(body)
	if len(inner) < 2 || inner[0] != '{' || inner[len(inner)-1] != '}' {
		return nil, fmt.Errorf("encode envelope: %s payload is not an object: %s", e.Payload.Action(), inner)
	}
	if err := e.Payload.validate(); err != nil {
		return nil, fmt.Errorf("encode envelope: invalid %s payload: %w", e.Payload.Action(), err)
	}

	// Splice the two objects: drop head's closing brace and body's opening one.
	inner = inner[1 : len(inner)-1]

	buf := make([]byte, 0, len(head)+len(inner)+1)
	buf = append(buf, head[:len(head)-1]...)
	if len(inner) > 0 {
		buf = append(buf, ',')
		buf = append(buf, inner...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Decode parses one envelope. Every failure is a *DecodeError.
func Decode(data []byte) (Envelope, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed json", Err: err}
	}
	if h.ClientKey == "" {
		return Envelope{}, &DecodeError{Reason: "missing clientKey"}
	}

	p := newPayload(h.Action)
	if p == nil {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("unknown action %q", h.Action)}
	}
	if err := json.Unmarshal(data, p); err != nil {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("invalid %s payload", h.Action), Err: err}
	}
	if err := p.validate(); err != nil {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("invalid %s payload", h.Action), Err: err}
	}

	return Envelope{ClientKey: h.ClientKey, Action: h.Action, Payload: p}, nil
}
