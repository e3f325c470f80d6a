package registry

import (
	"sync"
	"time"

	"github.com/wallcrawler/cdp-relay/internal/cdpmsg"
)

// Capability describes what an extension announced about itself at
// device:register / device_register time.
type Capability struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	BrowserName  string   `json:"browserName,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Metrics tracks the per-device counters the control plane and
// Registry.Stats report. All fields are guarded by the owning Device's
// mu, not accessed directly.
type Metrics struct {
	MessagesIn     uint64
	MessagesOut    uint64
	BytesIn        uint64
	BytesOut       uint64
	ErrorCount     uint64
	ReconnectCount uint64
	AvgLatencyMs   float64
	LastLatencyMs  float64
}

// ewmaAlpha is the smoothing factor for the rolling average latency,
// matching the teacher's RateLimiter-style moving average decay.
const ewmaAlpha = 0.1

func (m *Metrics) observeLatency(ms float64) {
	m.LastLatencyMs = ms
	if m.AvgLatencyMs == 0 {
		m.AvgLatencyMs = ms
		return
	}
	m.AvgLatencyMs = ewmaAlpha*ms + (1-ewmaAlpha)*m.AvgLatencyMs
}

// Device is the registry's record of one extension-side browser
// connection: its identity, capability descriptor, transport, lifecycle
// state, and accumulated metrics. All mutation of a Device after it is
// returned by Registry.Get must go through the Registry so that state
// transitions stay validated and listeners fire; callers may read the
// exported snapshot fields directly only while holding no expectation
// of them staying current past the call that returned the Device.
type Device struct {
	mu sync.Mutex

	ID            string
	ExtConnID     string
	CDPConnID     string
	Capability    Capability
	Transport     Transport
	state         State
	RegisteredAt  time.Time
	LastSeen      time.Time
	LastHeartbeat time.Time
	connection    *cdpmsg.ConnectionInfo
	Metrics       Metrics
}

// SetConnectionInfo records the attached tab's target/session info, as
// reported by the extension's connection_info control message.
func (d *Device) SetConnectionInfo(info *cdpmsg.ConnectionInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connection = info
}

// ConnectionInfo returns the attached tab's target/session info, or
// nil if the extension has not reported one yet.
func (d *Device) ConnectionInfo() *cdpmsg.ConnectionInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connection
}

// State returns the device's current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// RecordLatency folds a completed round-trip time into the device's
// EWMA latency metric.
func (d *Device) RecordLatency(ms float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Metrics.observeLatency(ms)
}

// IncMessagesOut records one message written to the device transport.
func (d *Device) IncMessagesOut(bytes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Metrics.MessagesOut++
	d.Metrics.BytesOut += uint64(bytes)
}

// IncMessagesIn records one message read from the device transport.
func (d *Device) IncMessagesIn(bytes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Metrics.MessagesIn++
	d.Metrics.BytesIn += uint64(bytes)
}

// IncError records a routing or transport failure against the device.
func (d *Device) IncError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Metrics.ErrorCount++
}

// IncReconnect records that the device's transport was replaced via a
// conflicting re-registration.
func (d *Device) IncReconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Metrics.ReconnectCount++
}

// Snapshot is a point-in-time, lock-free copy of a Device's reportable
// fields, safe to hold onto and serialize (e.g. for control:metrics).
type Snapshot struct {
	ID            string
	State         State
	Capability    Capability
	RegisteredAt  time.Time
	LastSeen      time.Time
	LastHeartbeat time.Time
	Metrics       Metrics
}

// Snapshot copies the device's current reportable state. Backlog depth
// is not part of this snapshot -- the router, not the registry, owns
// the per-device backlog queue; callers that need it should consult
// Router.BacklogLen(id) alongside this snapshot.
func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		ID:            d.ID,
		State:         d.state,
		Capability:    d.Capability,
		RegisteredAt:  d.RegisteredAt,
		LastSeen:      d.LastSeen,
		LastHeartbeat: d.LastHeartbeat,
		Metrics:       d.Metrics,
	}
}
