package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Type names a message kind sent by the embedded surface.
type Type string

const (
	TypeCompleted      Type = "completed"
	TypeCancelled      Type = "cancelled"
	TypeCloseRequested Type = "closeRequested"
	TypeError          Type = "error"
)

// Message is one of Completed, Cancelled, CloseRequested or Failed.
type Message interface {
	Type() Type
	isMessage()
}

// Completed carries the customization result for a session.
type Completed struct {
	SessionID string
	Data      json.RawMessage
}

// Cancelled is sent when the shopper abandons customization.
type Cancelled struct{}

// CloseRequested asks the host to close the surface.
type CloseRequested struct{}

// Failed reports an error inside the surface.
type Failed struct {
	Message string
}

func (Completed) Type() Type      { return TypeCompleted }
func (Cancelled) Type() Type      { return TypeCancelled }
func (CloseRequested) Type() Type { return TypeCloseRequested }
func (Failed) Type() Type         { return TypeError }

func (Completed) isMessage()      {}
func (Cancelled) isMessage()      {}
func (CloseRequested) isMessage() {}
func (Failed) isMessage()         {}

// ErrUnknownType marks a well-formed envelope with an unrecognized type.
var ErrUnknownType = errors.New("unrecognized message type")

// Envelope is the wire shape posted by the surface.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type completedPayload struct {
	SessionUUID string          `json:"sessionUuid"`
	SessionID   string          `json:"sessionId"`
	Data        json.RawMessage `json:"data"`
}

type errorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Decode parses raw into a typed Message.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeCompleted:
		if len(env.Payload) == 0 {
			return nil, errors.New("completed message without payload")
		}
		var payload completedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode completed payload: %w", err)
		}
		sessionID := payload.SessionUUID
		if sessionID == "" {
			sessionID = payload.SessionID
		}
		if sessionID == "" {
			return nil, errors.New("completed message without session identifier")
		}
		if data := bytes.TrimSpace(payload.Data); len(data) == 0 || bytes.Equal(data, []byte("null")) {
			return nil, errors.New("completed message without customization data")
		}
		return Completed{SessionID: sessionID, Data: payload.Data}, nil
	case TypeCancelled:
		return Cancelled{}, nil
	case TypeCloseRequested:
		return CloseRequested{}, nil
	case TypeError:
		msg := env.Error
		if msg == "" && len(env.Payload) > 0 {
			var payload errorPayload
			if err := json.Unmarshal(env.Payload, &payload); err == nil {
				msg = payload.Message
				if msg == "" {
					msg = payload.Error
				}
			}
		}
		if msg == "" {
			msg = "surface reported an error"
		}
		return Failed{Message: msg}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Encode renders a Message back into its wire shape.
func Encode(msg Message) ([]byte, error) {
	env := Envelope{Type: msg.Type()}
	switch m := msg.(type) {
	case Completed:
		payload, err := json.Marshal(completedPayload{SessionUUID: m.SessionID, Data: m.Data})
		if err != nil {
			return nil, err
		}
		env.Payload = payload
	case Failed:
		env.Error = m.Message
	}
	return json.Marshal(env)
}
