package router

import (
	"sync"
	"time"

	"github.com/wallcrawler/cdp-relay/internal/cdpmsg"
	"github.com/wallcrawler/cdp-relay/internal/registry"
)

// PendingKey identifies one in-flight request: the CDP client
// connection that issued it and the message id it used. Encoding both
// into the id the relay actually sends to the device lets many client
// connections share one device transport without id collisions.
type PendingKey struct {
	ConnID string
	MsgID  string
}

// relayID renders the key as the wire-level id forwarded to the device.
func (k PendingKey) relayID() string {
	return k.ConnID + "#" + k.MsgID
}

// PendingEntry is one outstanding request awaiting a device reply.
type PendingEntry struct {
	Key       PendingKey
	DeviceID  string
	Method    string
	Priority  Priority
	Reply     registry.Transport
	Outbound  *cdpmsg.Frame
	CreatedAt time.Time
	ExpiresAt time.Time
	Retries   int

	// awaitingResend distinguishes the two phases a retrying entry
	// cycles through: false while waiting for a device reply (governed
	// by the message timeout), true while waiting out the backoff
	// window before the next resend attempt.
	awaitingResend bool
}

// pendingTable is the router's per-process map of in-flight requests,
// indexed by the same relay id used on the wire to the device.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*PendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*PendingEntry)}
}

func (t *pendingTable) put(e *PendingEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[e.Key.relayID()] = e
}

func (t *pendingTable) take(relayID string) (*PendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[relayID]
	if ok {
		delete(t.entries, relayID)
	}
	return e, ok
}

// sweepExpired removes and returns every entry whose ExpiresAt has
// passed as of now.
func (t *pendingTable) sweepExpired(now time.Time) []*PendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []*PendingEntry
	for id, e := range t.entries {
		if now.After(e.ExpiresAt) {
			expired = append(expired, e)
			delete(t.entries, id)
		}
	}
	return expired
}

// removeByConn drops every pending entry belonging to a client
// connection that has disconnected, so its reply channel is never
// written to again.
func (t *pendingTable) removeByConn(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if e.Key.ConnID == connID {
			delete(t.entries, id)
		}
	}
}
