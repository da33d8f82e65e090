// Package message defines the envelope exchanged between a connector and its
// worker. Payloads travel as JSON so nothing is shared between the two sides.
package message

import (
	"encoding/json"
	"fmt"
)

// Op identifies an operation understood by a worker.
type Op string

// OpInitialize is reserved. It is the first request on every channel and is
// never a domain operation.
const OpInitialize Op = "__initialize__"

// Direction tells requests from responses.
type Direction string

const (
	Request  Direction = "request"
	Response Direction = "response"
)

// Message is one envelope on a channel. For responses OK selects between
// Result and Error.
type Message struct {
	Op        Op              `json:"op"`
	ID        string          `json:"id"`
	Direction Direction       `json:"dir"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// IsResponse reports whether m travels from the worker to the connector.
func (m Message) IsResponse() bool { return m.Direction == Response }

// NewRequest builds a request envelope, encoding payload to JSON.
// A nil payload encodes as an empty object.
func NewRequest(op Op, id string, payload any) (Message, error) {
	raw, err := encode(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", op, err)
	}
	return Message{Op: op, ID: id, Direction: Request, Payload: raw}, nil
}

// NewResult builds a success response to req.
func NewResult(req Message, result any) (Message, error) {
	raw, err := encode(result)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s result: %w", req.Op, err)
	}
	return Message{Op: req.Op, ID: req.ID, Direction: Response, OK: true, Result: raw}, nil
}

// NewFailure builds a failure response to req. errPayload is delivered to
// the caller verbatim.
func NewFailure(req Message, errPayload any) (Message, error) {
	raw, err := encode(errPayload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s error: %w", req.Op, err)
	}
	return Message{Op: req.Op, ID: req.ID, Direction: Response, Error: raw}, nil
}

func encode(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	}
	return json.Marshal(v)
}
