package utils

import "github.com/google/uuid"

// NewConnectionID generates a server-side identifier for a CDP
// connection record.
func NewConnectionID() string {
	return "conn_" + uuid.NewString()
}

// NewDeviceID generates a fallback device identifier for extensions
// that register without supplying their own (the legacy /extension
// path requires the extension to self-assign one; this is used only
// when validation demands a placeholder, e.g. in tests).
func NewDeviceID() string {
	return "dev_" + uuid.NewString()
}
