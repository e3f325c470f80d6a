// Package relayerr implements the error taxonomy described by the
// relay's error handling design: network, protocol, state, resource,
// timeout, and business errors, each carrying a type/code/message and
// a recoverability flag so callers can decide whether to surface a
// CDP error frame or tear down a transport.
package relayerr

import "fmt"

// Type classifies an Error into one of the six categories the relay
// distinguishes.
type Type string

const (
	TypeNetwork  Type = "network"
	TypeProtocol Type = "protocol"
	TypeState    Type = "state"
	TypeResource Type = "resource"
	TypeTimeout  Type = "timeout"
	TypeBusiness Type = "business"
)

// Well-known error codes referenced directly by spec.md.
const (
	CodeDeviceNotFound         = "DEVICE_NOT_FOUND"
	CodeDeviceNotActive        = "DEVICE_NOT_ACTIVE"
	CodeDeviceUnavailable      = "DEVICE_UNAVAILABLE"
	CodeQueueFull              = "QUEUE_FULL"
	CodeMessageTimeout         = "MESSAGE_TIMEOUT"
	CodeInvalidRegistrationSt  = "INVALID_REGISTRATION_STATE"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	CodeLockTimeout            = "LOCK_TIMEOUT"
	CodeMaxRetriesExceeded     = "MAX_RETRIES_EXCEEDED"
	CodeCapabilityInvalid      = "CAPABILITY_INVALID"
	CodeConflict               = "DEVICE_CONFLICT"
	CodeMaxInstancesReached    = "MAX_INSTANCES_REACHED"
)

// Error is the relay's uniform error envelope.
type Error struct {
	Kind        Type
	Code        string
	Message     string
	DeviceID    string
	Recoverable bool
}

func (e *Error) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("%s: %s (device=%s)", e.Code, e.Message, e.DeviceID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CDPMessage renders the error in the "<CODE>: <text>" form the relay
// places in a CDP error frame's message field.
func (e *Error) CDPMessage() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newErr(kind Type, code, message, deviceID string, recoverable bool) *Error {
	return &Error{Kind: kind, Code: code, Message: message, DeviceID: deviceID, Recoverable: recoverable}
}

// State builds a state-category error (invalid transition, device not
// found / not active). Not recoverable from the caller's perspective:
// the request itself cannot proceed, though the device may recover.
func State(code, message, deviceID string) *Error {
	return newErr(TypeState, code, message, deviceID, false)
}

// Business builds a business-category error (conflict, capability
// validation failure).
func Business(code, message, deviceID string) *Error {
	return newErr(TypeBusiness, code, message, deviceID, true)
}

// Resource builds a resource-category error (queue full, lock
// timeout, max instances reached).
func Resource(code, message, deviceID string) *Error {
	return newErr(TypeResource, code, message, deviceID, true)
}

// Timeout builds a timeout-category error (pending-request TTL
// expiry, max retries exceeded).
func Timeout(code, message, deviceID string) *Error {
	return newErr(TypeTimeout, code, message, deviceID, true)
}

// Network builds a network-category error (transport failure,
// unexpected close). Recoverable: the device may re-register.
func Network(code, message, deviceID string) *Error {
	return newErr(TypeNetwork, code, message, deviceID, true)
}

// Protocol builds a protocol-category error (malformed JSON, missing
// envelope field, unknown message type).
func Protocol(code, message string) *Error {
	return newErr(TypeProtocol, code, message, "", true)
}

// DeviceNotFound is the canonical "unknown device" error.
func DeviceNotFound(deviceID string) *Error {
	return State(CodeDeviceNotFound, "device is not registered", deviceID)
}

// DeviceNotActive is the canonical "device exists but can't route"
// error.
func DeviceNotActive(deviceID string) *Error {
	return State(CodeDeviceNotActive, "device is not in the ACTIVE state", deviceID)
}

// DeviceUnavailable is raised when a device's transport is gone while
// a request is in flight.
func DeviceUnavailable(deviceID string) *Error {
	return newErr(TypeNetwork, CodeDeviceUnavailable, "device transport is unavailable", deviceID, true)
}
