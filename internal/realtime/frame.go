package realtime

import (
	"encoding/json"
	"fmt"
)

// Frame types on the wire.
const (
	FrameEvent     = "event"
	FrameJoin      = "join"
	FrameLeave     = "leave"
	FrameTypeError = "error"
	FrameAck       = "ack"
)

// Frame is one JSON text message on the event channel.
type Frame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

// FrameError is the body of an error frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("realtime: server error %s: %s", e.Code, e.Message)
}

// EventFrame builds an event frame, marshaling payload unless it is
// already raw JSON.
func EventFrame(event string, payload any) (Frame, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Frame{Type: FrameEvent, Event: event, Payload: raw}, nil
}

// JoinFrame asks the server to add the connection to room.
func JoinFrame(room string) Frame { return Frame{Type: FrameJoin, Room: room} }

// LeaveFrame asks the server to remove the connection from room.
func LeaveFrame(room string) Frame { return Frame{Type: FrameLeave, Room: room} }

// ErrorFrame builds an error frame.
func ErrorFrame(code, message string) Frame {
	return Frame{Type: FrameTypeError, Error: &FrameError{Code: code, Message: message}}
}

// AckFrame confirms a join or leave.
func AckFrame(room string) Frame { return Frame{Type: FrameAck, Room: room} }

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
