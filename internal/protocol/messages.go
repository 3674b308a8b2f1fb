// Package protocol defines the WebSocket envelope and payloads exchanged
// between workers, the fleet server and dashboard clients.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType is the closed set of envelope types.
type MessageType string

// Message types (worker → server)
const (
	TypeRegister   MessageType = "REGISTER"
	TypeHeartbeat  MessageType = "HEARTBEAT"
	TypeTelemetry  MessageType = "TELEMETRY"
	TypeCommandAck MessageType = "COMMAND_ACK"
	TypeAlert      MessageType = "ALERT"
)

// Message types (server → worker)
const (
	TypeRegisterAck MessageType = "REGISTER_ACK"
	TypeCommand     MessageType = "COMMAND"
)

// Message types (server → dashboard)
const (
	TypeSnapshot MessageType = "SNAPSHOT"
	TypeUpdate   MessageType = "UPDATE"
)

// Valid reports whether t is one of the defined message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRegister, TypeHeartbeat, TypeTelemetry, TypeCommandAck, TypeAlert,
		TypeRegisterAck, TypeCommand, TypeSnapshot, TypeUpdate:
		return true
	}
	return false
}

// FromWorker reports whether t may be sent by a worker.
// HEARTBEAT flows in both directions.
func (t MessageType) FromWorker() bool {
	switch t {
	case TypeRegister, TypeHeartbeat, TypeTelemetry, TypeCommandAck, TypeAlert:
		return true
	}
	return false
}

// Envelope wraps every frame on the wire. Optional fields are omitted
// when empty.
type Envelope struct {
	Type          MessageType     `json:"type"`
	Channel       string          `json:"channel,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope creates an envelope with the given type and payload, stamped
// with the current time. A nil payload leaves the payload field out.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.Payload = data
	return env, nil
}

// WithChannel sets the channel tag and returns the envelope.
func (e *Envelope) WithChannel(channel string) *Envelope {
	e.Channel = channel
	return e
}

// WithCorrelation sets the correlation id and returns the envelope.
func (e *Envelope) WithCorrelation(id string) *Envelope {
	e.CorrelationID = id
	return e
}

// Encode marshals the envelope to JSON.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ParsePayload unmarshals the payload into the given target.
// A missing payload leaves target untouched.
func (e *Envelope) ParsePayload(target any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return &ProtocolError{Reason: ReasonInvalidPayload, Type: e.Type, Err: err}
	}
	return nil
}

// Decode parses a raw frame into an envelope. Malformed JSON and unknown
// types are reported as *ProtocolError.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: ReasonInvalidJSON, Err: err}
	}
	if !env.Type.Valid() {
		return nil, &ProtocolError{Reason: ReasonInvalidType, Type: env.Type}
	}
	return &env, nil
}

// Encode builds an envelope and marshals it in one step.
func Encode(msgType MessageType, payload any) ([]byte, error) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	return env.Encode()
}
