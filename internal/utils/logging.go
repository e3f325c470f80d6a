package utils

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// RelayLogEntry is a structured log entry for relay lifecycle events:
// device registration, state changes, routing outcomes. Adapted from
// the teacher's SessionLogEntry/LogSessionEvent, retargeted from
// session vocabulary to device/connection vocabulary.
type RelayLogEntry struct {
	Timestamp    string                 `json:"timestamp"`
	DeviceID     string                 `json:"deviceId,omitempty"`
	ConnectionID string                 `json:"connectionId,omitempty"`
	EventType    string                 `json:"eventType"`
	Status       string                 `json:"status,omitempty"`
	Method       string                 `json:"method,omitempty"`
	DurationMs   int64                  `json:"durationMs,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

var structuredLogging = os.Getenv("RELAY_STRUCTURED_LOGGING") != "false" // default true

// LogEvent emits a structured relay event, or a human-readable
// fallback line when structured logging is disabled via env var.
func LogEvent(event RelayLogEntry) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if structuredLogging {
		raw, err := json.Marshal(event)
		if err != nil {
			log.Printf("error marshaling log entry: %v", err)
			return
		}
		log.Println(string(raw))
		return
	}

	if event.Error != "" {
		log.Printf("[%s] device=%s: %s (error: %s)", event.EventType, event.DeviceID, event.Status, event.Error)
	} else {
		log.Printf("[%s] device=%s: %s", event.EventType, event.DeviceID, event.Status)
	}
}

// LogDeviceRegistered logs a successful device registration.
func LogDeviceRegistered(deviceID, name, version string) {
	LogEvent(RelayLogEntry{
		DeviceID:  deviceID,
		EventType: "DEVICE_REGISTERED",
		Status:    "ACTIVE",
		Metadata: map[string]interface{}{
			"name":    name,
			"version": version,
		},
	})
}

// LogDeviceConflict logs eviction of a prior connection on conflict.
func LogDeviceConflict(deviceID string) {
	LogEvent(RelayLogEntry{
		DeviceID:  deviceID,
		EventType: "DEVICE_CONFLICT",
		Status:    "REPLACED",
	})
}

// LogDeviceUnregistered logs removal of a device record.
func LogDeviceUnregistered(deviceID, reason string) {
	LogEvent(RelayLogEntry{
		DeviceID:  deviceID,
		EventType: "DEVICE_UNREGISTERED",
		Status:    "CLOSED",
		Metadata:  map[string]interface{}{"reason": reason},
	})
}

// LogRouteError logs a routing failure for a request.
func LogRouteError(deviceID, connectionID, method string, err error) {
	LogEvent(RelayLogEntry{
		DeviceID:     deviceID,
		ConnectionID: connectionID,
		Method:       method,
		EventType:    "ROUTE_ERROR",
		Error:        err.Error(),
	})
}
