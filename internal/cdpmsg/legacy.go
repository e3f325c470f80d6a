package cdpmsg

import (
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/target"
)

// Legacy extension message type discriminators (spec.md section 6).
const (
	TypeDeviceRegister  = "device_register"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeConnectionInfo  = "connection_info"
)

// typeOnly peeks at a frame's discriminating "type" field without
// committing to a full decode. A CDP frame never carries this field,
// so its absence (or an unrecognized value) means "not a legacy
// control message, forward to the CDP path".
type typeOnly struct {
	Type string `json:"type"`
}

// PeekType returns the legacy "type" discriminator of a raw message,
// or "" if the payload carries none (i.e. it is an ordinary CDP frame).
func PeekType(data []byte) string {
	var t typeOnly
	if err := json.Unmarshal(data, &t); err != nil {
		return ""
	}
	return t.Type
}

// DeviceInfo is the extension's self-reported identity, carried on
// the initial device_register message.
type DeviceInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	UserAgent string `json:"userAgent"`
	Timestamp string `json:"timestamp,omitempty"`
}

// DeviceRegisterMessage is the first frame an extension sends on
// /extension to identify itself.
type DeviceRegisterMessage struct {
	Type       string     `json:"type"`
	DeviceID   string     `json:"deviceId"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

// PingMessage is an extension's heartbeat. On /extension it is accepted
// only after device_register: a connection whose first frame is a ping
// is closed with code 1002.
type PingMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

// PongMessage is the server's heartbeat reply.
type PongMessage struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

// ConnectionInfoMessage reports the target an extension has attached
// its debugger to.
type ConnectionInfoMessage struct {
	Type       string           `json:"type"`
	DeviceID   string           `json:"deviceId,omitempty"`
	SessionID  target.SessionID `json:"sessionId"`
	TargetInfo target.Info      `json:"targetInfo"`
}

// ParseDeviceRegister decodes a device_register message.
func ParseDeviceRegister(data []byte) (*DeviceRegisterMessage, error) {
	var m DeviceRegisterMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed device_register: %w", err)
	}
	if m.DeviceID == "" {
		return nil, fmt.Errorf("device_register missing deviceId")
	}
	return &m, nil
}

// ParsePing decodes a ping message.
func ParsePing(data []byte) (*PingMessage, error) {
	var m PingMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed ping: %w", err)
	}
	return &m, nil
}

// ParseConnectionInfo decodes a connection_info message.
func ParseConnectionInfo(data []byte) (*ConnectionInfoMessage, error) {
	var m ConnectionInfoMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed connection_info: %w", err)
	}
	return &m, nil
}
