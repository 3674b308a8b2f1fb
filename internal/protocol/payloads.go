package protocol

import "encoding/json"

// Payload is implemented by every typed payload. The method ties the
// payload shape to its envelope type.
type Payload interface {
	MessageType() MessageType
}

// RegisterPayload is sent by a worker as its opening handshake.
type RegisterPayload struct {
	WorkerID        string   `json:"workerId"`
	DroneID         string   `json:"droneId"`
	SerialNumber    string   `json:"serialNumber"`
	Capabilities    []string `json:"capabilities,omitempty"`
	FirmwareVersion string   `json:"firmwareVersion,omitempty"`
	ProtocolVersion string   `json:"protocolVersion,omitempty"`
}

// Registration outcomes.
const (
	RegistrationAccepted = "ACCEPTED"
	RegistrationRejected = "REJECTED"
)

// RegisterAckPayload answers a REGISTER.
type RegisterAckPayload struct {
	Status             string   `json:"status"`
	Reason             string   `json:"reason,omitempty"`
	SessionID          string   `json:"sessionId,omitempty"`
	HeartbeatInterval  int64    `json:"heartbeatInterval,omitempty"` // milliseconds
	ConfiguredChannels []string `json:"configuredChannels,omitempty"`
}

// HeartbeatPayload is empty in both directions.
type HeartbeatPayload struct{}

// Position is the positional part of a telemetry frame.
// Nil fields were absent on the wire.
type Position struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
}

// Battery is the power part of a telemetry frame.
type Battery struct {
	Level       *float64 `json:"level,omitempty"`
	Voltage     *float64 `json:"voltage,omitempty"`
	Current     *float64 `json:"current,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Sensors carries GPS and link quality.
type Sensors struct {
	GPSFixType     *int `json:"gpsFixType,omitempty"`
	SatelliteCount *int `json:"satelliteCount,omitempty"`
	SignalStrength *int `json:"signalStrength,omitempty"`
}

// TelemetryPayload is a partial device-state report.
type TelemetryPayload struct {
	DroneID    string    `json:"droneId"`
	Position   *Position `json:"position,omitempty"`
	Battery    *Battery  `json:"battery,omitempty"`
	Status     string    `json:"status,omitempty"`
	FlightMode string    `json:"flightMode,omitempty"`
	Sensors    *Sensors  `json:"sensors,omitempty"`
}

// Command priorities.
const (
	PriorityLow      = "LOW"
	PriorityNormal   = "NORMAL"
	PriorityHigh     = "HIGH"
	PriorityCritical = "CRITICAL"
)

// CommandPayload instructs a worker. The envelope carries the correlation id.
type CommandPayload struct {
	DroneID    string         `json:"droneId"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters"`
	Priority   string         `json:"priority"`
	Timeout    int64          `json:"timeout"` // milliseconds
}

// Command acknowledgment statuses.
const (
	AckSuccess = "SUCCESS"
	AckFailed  = "FAILED"
)

// CommandAckPayload is a worker's answer to a COMMAND.
type CommandAckPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// AlertPayload is raised by a worker or by the server.
type AlertPayload struct {
	DroneID   string `json:"droneId"`
	AlertType string `json:"alertType"`
	Message   string `json:"message"`
}

// Drone update kinds carried by UPDATE envelopes on the drones channel.
const (
	DroneCreated = "DRONE_CREATED"
	DroneUpdated = "DRONE_UPDATED"
	DroneDeleted = "DRONE_DELETED"
)

// UpdatePayload is pushed to dashboards. Drone events fill UpdateType and
// Data; alerts fill AlertType and Message.
type UpdatePayload struct {
	UpdateType string          `json:"updateType,omitempty"`
	DroneID    string          `json:"droneId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	AlertType  string          `json:"alertType,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// SnapshotPayload carries the full drone list.
type SnapshotPayload struct {
	Drones []json.RawMessage `json:"drones"`
}

func (RegisterPayload) MessageType() MessageType { return TypeRegister }
func (RegisterAckPayload) MessageType() MessageType { return TypeRegisterAck }
func (HeartbeatPayload) MessageType() MessageType { return TypeHeartbeat }
func (TelemetryPayload) MessageType() MessageType { return TypeTelemetry }
func (CommandPayload) MessageType() MessageType { return TypeCommand }
func (CommandAckPayload) MessageType() MessageType { return TypeCommandAck }
func (AlertPayload) MessageType() MessageType { return TypeAlert }
func (UpdatePayload) MessageType() MessageType { return TypeUpdate }
func (SnapshotPayload) MessageType() MessageType { return TypeSnapshot }

// DecodePayload parses the envelope payload into the typed payload for its
// message type.
func (e *Envelope) DecodePayload() (Payload, error) {
	var p Payload
	switch e.Type {
	case TypeRegister:
		var v RegisterPayload
		if err := e.ParsePayload(&v); err != nil {
			return nil, err
		}
		p = v
	case TypeRegisterAck:
		var v RegisterAckPayload
		if err := e.ParsePayload(&v); err != nil {
			return nil, err
		}
		p = v
	case TypeHeartbeat:
		p = HeartbeatPayload{}
	case TypeTelemetry:
		var v TelemetryPayload
		if err := e.ParsePayload(&v); err != nil {
			return nil, err
		}
		p = v
	case TypeCommand:
		var v CommandPayload
		if err := e.ParsePayload(&v); err != nil {
			return nil, err
		}
		p = v
	case TypeCommandAck:
		var v CommandAckPayload
		if err := e.ParsePayload(&v); err != nil {
			return nil, err
		}
		p = v
	case TypeAlert:
		var v AlertPayload
		if err := e.ParsePayload(&v); err != nil {
			return nil, err
		}
		p = v
	case TypeUpdate:
		var v UpdatePayload
		if err := e.ParsePayload(&v); err != nil {
			return nil, err
		}
		p = v
	case TypeSnapshot:
		var v SnapshotPayload
		if err := e.ParsePayload(&v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, &ProtocolError{Reason: ReasonInvalidType, Type: e.Type}
	}
	return p, nil
}
