package cdpmsg

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the enveloped message shape used by the /v2/* family.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// v2 envelope type discriminators (spec.md section 4.3).
const (
	EnvDeviceRegister     = "device:register"
	EnvDeviceRegisterAck  = "device:register:ack"
	EnvDeviceHeartbeat    = "device:heartbeat"
	EnvDeviceHeartbeatAck = "device:heartbeat:ack"
	EnvDeviceDisconnect   = "device:disconnect"

	EnvControlStatus  = "control:status"
	EnvControlMetrics = "control:metrics"
	EnvControlCommand = "control:command"
)

// ParseEnvelope decodes a v2 enveloped message.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &e, nil
}

// NewEnvelope builds an outbound envelope, stamping the server time.
func NewEnvelope(typ string, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: typ, Timestamp: time.Now().UTC(), Data: raw}, nil
}

// EncodeEnvelope serializes an envelope to wire JSON.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}
