package protocol

import (
	"encoding/json"
	"fmt"
)

// Error frame reasons sent back to a peer.
const (
	ReasonInvalidJSON    = "Invalid JSON format"
	ReasonInvalidType    = "Invalid message type"
	ReasonInvalidPayload = "Invalid payload"
	ReasonNotRegistered  = "Not registered"
	ReasonRateLimited    = "Rate limit exceeded"
	ReasonInternal       = "Internal error"
)

// ProtocolError reports a frame that could not be decoded or is not
// acceptable in the current connection state. The connection stays open.
type ProtocolError struct {
	Reason string
	Type   MessageType
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Reason
	if e.Type != "" {
		msg += fmt.Sprintf(" (type %q)", string(e.Type))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ErrorFrame is the raw frame returned to a peer on a rejected message.
type ErrorFrame struct {
	Error string `json:"error"`
}

// EncodeError builds an error frame for the given reason.
func EncodeError(reason string) []byte {
	data, err := json.Marshal(ErrorFrame{Error: reason})
	if err != nil {
		return []byte(`{"error":"Internal error"}`)
	}
	return data
}
