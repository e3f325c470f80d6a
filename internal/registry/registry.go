// Package registry owns the authoritative set of connected devices: it
// is the only component permitted to create, mutate, or destroy a
// Device record. Everything else -- the router, the relay endpoints --
// holds Device pointers on loan and must route state changes back
// through the Registry's methods so that transitions stay validated,
// listeners fire, and conflict resolution stays centralized.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/wallcrawler/cdp-relay/internal/relayerr"
	"github.com/wallcrawler/cdp-relay/internal/utils"
)

const lockTimeout = 5 * time.Second

// Registry is the in-memory device directory. Zero value is not
// usable; construct with New.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]*Device // device id -> device
	byExtConn map[string]*Device // extension connection id -> device

	locksMu sync.Mutex
	locks   map[string]*advisoryLock

	listenersMu sync.RWMutex
	listeners   []Listener

	maxDevices int // 0 == unbounded

	stopSweep chan struct{}
}

// New constructs an empty Registry with no device cap.
func New() *Registry {
	return NewWithCapacity(0)
}

// NewWithCapacity constructs an empty Registry that rejects
// registration of a new (not previously known) device id once
// maxDevices distinct devices are registered. 0 means unbounded.
func NewWithCapacity(maxDevices int) *Registry {
	return &Registry{
		devices:    make(map[string]*Device),
		byExtConn:  make(map[string]*Device),
		locks:      make(map[string]*advisoryLock),
		maxDevices: maxDevices,
		stopSweep:  make(chan struct{}),
	}
}

// AddListener registers an observer for registry events. Not safe to
// call concurrently with registry mutation methods other than by
// convention (call it during setup, before serving traffic).
func (r *Registry) AddListener(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) notify(fn func(Listener)) {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	for _, l := range r.listeners {
		fn(l)
	}
}

func (r *Registry) deviceLock(id string) *advisoryLock {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = newAdvisoryLock()
		r.locks[id] = l
	}
	return l
}

// Register creates or replaces a device record. If an existing ACTIVE
// record is present for the same id, its transport is closed with WS
// close code 1001 ("going away") and an OnConflict notification fires;
// any other pre-existing record (not yet ACTIVE, e.g. a retried
// registration) is replaced administratively with close code 1000.
func (r *Registry) Register(id string, capability Capability, transport Transport, extConnID string) (*Device, error) {
	lock := r.deviceLock(id)
	if !lock.TryLock(lockTimeout) {
		return nil, relayerr.Resource(relayerr.CodeLockTimeout, "timed out acquiring device lock", id)
	}
	defer lock.Unlock()

	r.mu.RLock()
	_, knownDevice := r.devices[id]
	atCapacity := r.maxDevices > 0 && len(r.devices) >= r.maxDevices
	r.mu.RUnlock()
	if !knownDevice && atCapacity {
		return nil, relayerr.Resource(relayerr.CodeMaxInstancesReached, "registry is at its configured device capacity", id)
	}

	now := time.Now()
	dev := &Device{
		ID:           id,
		ExtConnID:    extConnID,
		Capability:   capability,
		Transport:    transport,
		state:        StateAuthenticating,
		RegisteredAt: now,
		LastSeen:     now,
	}

	r.mu.Lock()
	existing, hadExisting := r.devices[id]
	r.devices[id] = dev
	r.byExtConn[extConnID] = dev
	r.mu.Unlock()

	if hadExisting {
		wasActive := existing.State() == StateActive
		if existing.Transport != nil {
			code, reason := 1000, "replaced by new registration"
			if wasActive {
				code, reason = 1001, "superseded by new device connection"
			}
			_ = existing.Transport.Close(code, reason)
		}
		r.mu.Lock()
		delete(r.byExtConn, existing.ExtConnID)
		r.mu.Unlock()
		if wasActive {
			utils.LogDeviceConflict(id)
			r.notify(func(l Listener) { l.OnConflict(id) })
		}
	}

	utils.LogDeviceRegistered(id, capability.Name, capability.Version)
	r.notify(func(l Listener) { l.OnDeviceRegistered(dev) })
	return dev, nil
}

// UpdateState validates and applies a state transition, then notifies
// listeners. Returns relayerr.CodeInvalidStateTransition if the edge is
// not permitted.
func (r *Registry) UpdateState(id string, to State) error {
	r.mu.RLock()
	dev, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return relayerr.DeviceNotFound(id)
	}

	lock := r.deviceLock(id)
	if !lock.TryLock(lockTimeout) {
		return relayerr.Resource(relayerr.CodeLockTimeout, "timed out acquiring device lock", id)
	}
	defer lock.Unlock()

	dev.mu.Lock()
	from := dev.state
	if !ValidTransition(from, to) {
		dev.mu.Unlock()
		return relayerr.State(relayerr.CodeInvalidStateTransition, from.String()+" -> "+to.String()+" is not permitted", id)
	}
	dev.state = to
	dev.LastSeen = time.Now()
	dev.mu.Unlock()

	r.notify(func(l Listener) { l.OnStateChanged(dev, from, to) })
	return nil
}

// UpdateLastSeen records activity without requiring a state change.
func (r *Registry) UpdateLastSeen(id string) {
	r.mu.RLock()
	dev, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	dev.mu.Lock()
	dev.LastSeen = time.Now()
	dev.mu.Unlock()
}

// UpdateLastHeartbeat records a device:heartbeat / ping receipt.
func (r *Registry) UpdateLastHeartbeat(id string) {
	r.mu.RLock()
	dev, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	now := time.Now()
	dev.mu.Lock()
	dev.LastHeartbeat = now
	dev.LastSeen = now
	dev.mu.Unlock()
}

// Get returns the device with the given id, if any.
func (r *Registry) Get(id string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[id]
	return dev, ok
}

// GetByExtConnID returns the device registered through a given
// extension-side WebSocket connection, used when that socket's read
// loop exits and needs to find which device it owned.
func (r *Registry) GetByExtConnID(extConnID string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.byExtConn[extConnID]
	return dev, ok
}

// BindCDPConn records the most recent CDP client connection id routing
// requests to this device, for diagnostics. The router, not the
// registry, owns the full connection-id -> device fan-out table needed
// to broadcast events to every subscriber of a device.
func (r *Registry) BindCDPConn(deviceID, cdpConnID string) {
	r.mu.RLock()
	dev, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	dev.mu.Lock()
	dev.CDPConnID = cdpConnID
	dev.mu.Unlock()
}

// GetByState returns every device currently in the given state.
func (r *Registry) GetByState(s State) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0)
	for _, d := range r.devices {
		if d.State() == s {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetAll returns every registered device.
func (r *Registry) GetAll() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Unregister transitions a device through DISCONNECTING to CLOSED,
// closes its transport with the given WS close code, removes it from
// the index, and notifies listeners. Safe to call on an already-closed
// or unknown device id (no-op in the latter case).
func (r *Registry) Unregister(id string, code int, reason string) {
	r.mu.RLock()
	dev, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	lock := r.deviceLock(id)
	lock.TryLock(lockTimeout) // best-effort; proceed with removal regardless
	dev.mu.Lock()
	dev.state = StateDisconnecting
	transport := dev.Transport
	dev.mu.Unlock()
	lock.Unlock()

	if transport != nil {
		_ = transport.Close(code, reason)
	}
	dev.mu.Lock()
	dev.state = StateClosed
	dev.mu.Unlock()

	r.mu.Lock()
	delete(r.devices, id)
	delete(r.byExtConn, dev.ExtConnID)
	r.mu.Unlock()

	utils.LogDeviceUnregistered(id, reason)
	r.notify(func(l Listener) { l.OnDeviceUnregistered(dev, reason) })
}

// Stats summarizes the registry for the /health and control:status
// surfaces.
type Stats struct {
	Total          int
	ByState        map[string]int
	OldestUptimeMs int64
}

// Stats computes an aggregate snapshot across all devices.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{ByState: make(map[string]int)}
	now := time.Now()
	var oldest time.Time
	for _, d := range r.devices {
		snap := d.Snapshot()
		st.Total++
		st.ByState[snap.State.String()]++
		if oldest.IsZero() || snap.RegisteredAt.Before(oldest) {
			oldest = snap.RegisteredAt
		}
	}
	if !oldest.IsZero() {
		st.OldestUptimeMs = now.Sub(oldest).Milliseconds()
	}
	return st
}

// StartSweep launches the background goroutine that evicts devices
// which have gone stale: it wakes every 2*heartbeatInterval and closes
// (code 1000, reason "heartbeat timeout") any device whose LastSeen is
// older than 3*heartbeatInterval. Call Stop to terminate it.
func (r *Registry) StartSweep(heartbeatInterval time.Duration) {
	r.StartSweepWithIntervals(2*heartbeatInterval, 3*heartbeatInterval)
}

// StartSweepWithIntervals is StartSweep with the check period and
// staleness cutoff given directly, for operators who want to tune them
// independently of the device heartbeat cadence (e.g. --inactive-check-interval
// / --instance-timeout).
func (r *Registry) StartSweepWithIntervals(checkInterval, staleAfter time.Duration) {
	period := checkInterval
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopSweep:
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-staleAfter)
				for _, d := range r.GetAll() {
					snap := d.Snapshot()
					if snap.LastSeen.Before(cutoff) {
						r.Unregister(d.ID, 1000, "heartbeat timeout")
					}
				}
			}
		}
	}()
}

// Stop terminates the sweep goroutine started by StartSweep. Safe to
// call at most once.
func (r *Registry) Stop() {
	close(r.stopSweep)
}
