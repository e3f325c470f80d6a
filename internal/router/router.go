// Package router implements the relay's message-forwarding engine: it
// owns the pending-request table, per-device backlog, local CDP method
// synthesis, and event fan-out to every CDP client attached to a
// device. It never creates or destroys Device records -- that stays
// the registry's job -- and it is the only component that writes
// forwarded CDP traffic to a device's extension transport (the relay
// handlers write only their own control replies, such as pong and
// register/heartbeat acks, to it).
package router

import (
	"math"
	"sync"
	"time"

	"github.com/wallcrawler/cdp-relay/internal/cdpmsg"
	"github.com/wallcrawler/cdp-relay/internal/registry"
	"github.com/wallcrawler/cdp-relay/internal/relayerr"
	"github.com/wallcrawler/cdp-relay/internal/utils"
)

// Config tunes the router's timing and backpressure behavior.
type Config struct {
	MessageTimeout          time.Duration
	MaxQueueSize            int
	MaxRetries              int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	CircuitFailureThreshold int
	CircuitResetTimeout     time.Duration
	SweepInterval           time.Duration
}

// DefaultConfig matches spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		MessageTimeout:          5 * time.Second,
		MaxQueueSize:            256,
		MaxRetries:              3,
		RetryBaseDelay:          1 * time.Second,
		RetryMaxDelay:           30 * time.Second,
		CircuitFailureThreshold: 5,
		CircuitResetTimeout:     10 * time.Second,
		SweepInterval:           100 * time.Millisecond,
	}
}

type subscriber struct {
	connID    string
	transport registry.Transport
}

// Router forwards CDP requests from clients to devices and events from
// devices back to every client subscribed to that device.
type Router struct {
	reg     *registry.Registry
	cfg     Config
	pending *pendingTable

	backlogMu sync.Mutex
	backlogs  map[string][]queuedFrame

	breakerMu sync.Mutex
	breakers  map[string]*circuitBreaker

	subMu       sync.Mutex
	subscribers map[string][]subscriber

	stop chan struct{}
}

// New constructs a Router bound to reg, the shared device registry.
func New(reg *registry.Registry, cfg Config) *Router {
	return &Router{
		reg:         reg,
		cfg:         cfg,
		pending:     newPendingTable(),
		backlogs:    make(map[string][]queuedFrame),
		breakers:    make(map[string]*circuitBreaker),
		subscribers: make(map[string][]subscriber),
		stop:        make(chan struct{}),
	}
}

// Start launches the background sweep goroutine that retries or times
// out in-flight requests and drains device backlogs once their
// circuit breaker closes.
func (r *Router) Start() {
	go func() {
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweepPending()
				r.drainBacklogs()
			}
		}
	}()
}

// Stop terminates the background sweep goroutine.
func (r *Router) Stop() {
	close(r.stop)
}

// Subscribe registers a CDP client connection as a recipient of events
// emitted by deviceID.
func (r *Router) Subscribe(deviceID, connID string, t registry.Transport) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers[deviceID] = append(r.subscribers[deviceID], subscriber{connID: connID, transport: t})
}

// SubscriberCount reports how many CDP client connections are
// currently subscribed to a device's events.
func (r *Router) SubscriberCount(deviceID string) int {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	return len(r.subscribers[deviceID])
}

// BacklogLen reports how many outbound frames are currently queued for
// a device because its circuit breaker is open or its transport write
// is failing.
func (r *Router) BacklogLen(deviceID string) int {
	r.backlogMu.Lock()
	defer r.backlogMu.Unlock()
	return len(r.backlogs[deviceID])
}

// Unsubscribe removes a CDP client connection from a device's event
// fan-out list and drops any of its pending requests, since no one
// will ever read the reply.
func (r *Router) Unsubscribe(deviceID, connID string) {
	r.subMu.Lock()
	subs := r.subscribers[deviceID]
	for i, s := range subs {
		if s.connID == connID {
			r.subscribers[deviceID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	r.subMu.Unlock()
	r.pending.removeByConn(connID)
}

// Route forwards a client CDP request to deviceID, or answers it
// locally if it names a synthesized method. connID identifies the
// calling CDP connection (used to disambiguate ids across clients
// sharing one device); reply is where the eventual response is
// written.
func (r *Router) Route(connID string, reply registry.Transport, deviceID string, frame *cdpmsg.Frame) error {
	dev, ok := r.reg.Get(deviceID)
	if !ok {
		return relayerr.DeviceNotFound(deviceID)
	}

	if isLocalRequest(dev, frame) {
		return r.routeLocal(dev, reply, frame)
	}

	if dev.State() != registry.StateActive {
		return relayerr.DeviceNotActive(deviceID)
	}

	idKey, hasID := frame.IDKey()
	if !hasID {
		// A client sending a method with no id is malformed for a
		// request; nothing to correlate a reply to, so just forward
		// it best-effort as an event-shaped frame.
		data, err := cdpmsg.Encode(frame)
		if err != nil {
			return relayerr.Protocol(relayerr.CodeInvalidRegistrationSt, "unable to encode frame")
		}
		return r.writeOrQueue(dev, data, priorityForMethod(frame.Method))
	}

	key := PendingKey{ConnID: connID, MsgID: idKey}
	outbound := cdpmsg.NewRequest(key.relayID(), frame.Method, frame.Params, frame.SessionID)
	data, err := cdpmsg.Encode(outbound)
	if err != nil {
		return relayerr.Protocol(relayerr.CodeInvalidRegistrationSt, "unable to encode frame")
	}

	entry := &PendingEntry{
		Key:       key,
		DeviceID:  deviceID,
		Method:    frame.Method,
		Priority:  priorityForMethod(frame.Method),
		Reply:     reply,
		Outbound:  outbound,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(r.cfg.MessageTimeout),
	}
	r.pending.put(entry)

	if err := r.writeOrQueue(dev, data, entry.Priority); err != nil {
		r.pending.take(key.relayID())
		return err
	}
	dev.IncMessagesOut(len(data))
	return nil
}

func (r *Router) routeLocal(dev *registry.Device, reply registry.Transport, frame *cdpmsg.Frame) error {
	handler := localHandlers[frame.Method]
	replyFrame, preEvents, err := handler(dev, frame)
	if err != nil {
		return relayerr.Protocol(relayerr.CodeInvalidRegistrationSt, err.Error())
	}
	for _, evt := range preEvents {
		if encoded, err := cdpmsg.Encode(evt); err == nil {
			_ = reply.WriteJSON(encoded)
		}
	}
	encoded, err := cdpmsg.Encode(replyFrame)
	if err != nil {
		return relayerr.Protocol(relayerr.CodeInvalidRegistrationSt, err.Error())
	}
	return reply.WriteJSON(encoded)
}

// breakerFor lazily creates the circuit breaker guarding one device's
// transport writes.
func (r *Router) breakerFor(deviceID string) *circuitBreaker {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()
	b, ok := r.breakers[deviceID]
	if !ok {
		b = newCircuitBreaker(r.cfg.CircuitFailureThreshold, r.cfg.CircuitResetTimeout)
		r.breakers[deviceID] = b
	}
	return b
}

// writeOrQueue attempts an immediate write to the device's transport,
// falling back to the bounded backlog when the circuit breaker is open
// or the write itself fails.
func (r *Router) writeOrQueue(dev *registry.Device, data []byte, priority Priority) error {
	breaker := r.breakerFor(dev.ID)
	if breaker.Allow() {
		if err := dev.Transport.WriteJSON(data); err == nil {
			breaker.RecordSuccess()
			return nil
		}
		breaker.RecordFailure()
		dev.IncError()
	}
	if !r.enqueueBacklog(dev, data, priority) {
		return relayerr.Resource(relayerr.CodeQueueFull, "device backlog is full", dev.ID)
	}
	return nil
}

func (r *Router) enqueueBacklog(dev *registry.Device, data []byte, priority Priority) bool {
	r.backlogMu.Lock()
	defer r.backlogMu.Unlock()
	q := r.backlogs[dev.ID]
	if len(q) >= r.cfg.MaxQueueSize {
		return false
	}
	r.backlogs[dev.ID] = insertByPriority(q, queuedFrame{priority: priority, data: data})
	return true
}

// drainBacklogs flushes any device backlog whose circuit breaker has
// closed (or moved to half-open), highest priority first.
func (r *Router) drainBacklogs() {
	for _, dev := range r.reg.GetAll() {
		breaker := r.breakerFor(dev.ID)
		if !breaker.Allow() {
			continue
		}
		r.backlogMu.Lock()
		q := r.backlogs[dev.ID]
		r.backlogMu.Unlock()
		if len(q) == 0 {
			continue
		}

		r.backlogMu.Lock()
		next := r.backlogs[dev.ID]
		if len(next) == 0 {
			r.backlogMu.Unlock()
			continue
		}
		head := next[0]
		r.backlogs[dev.ID] = next[1:]
		r.backlogMu.Unlock()

		if err := dev.Transport.WriteJSON(head.data); err != nil {
			breaker.RecordFailure()
			r.enqueueBacklog(dev, head.data, head.priority)
			continue
		}
		breaker.RecordSuccess()
		dev.IncMessagesOut(len(head.data))
	}
}

// HandleDeviceMessage processes one raw frame read from a device's
// extension transport: a response is matched to its pending entry and
// delivered to the originating client; an event is fanned out to every
// client subscribed to the device.
func (r *Router) HandleDeviceMessage(dev *registry.Device, raw []byte) {
	dev.IncMessagesIn(len(raw))

	frame, err := cdpmsg.ParseFrame(raw)
	if err != nil {
		utils.LogRouteError(dev.ID, "", "", err)
		return
	}

	if frame.IsEvent() {
		r.broadcastEvent(dev.ID, raw)
		return
	}

	relayID, ok := frame.IDKey()
	if !ok {
		return
	}
	entry, ok := r.pending.take(relayID)
	if !ok {
		// Late reply for an already-timed-out or disconnected request.
		return
	}

	dev.RecordLatency(float64(time.Since(entry.CreatedAt).Milliseconds()))

	clientFrame := cdpmsg.RewriteID(frame, entry.Key.MsgID)
	encoded, err := cdpmsg.Encode(clientFrame)
	if err != nil {
		utils.LogRouteError(dev.ID, entry.Key.ConnID, entry.Method, err)
		return
	}
	if err := entry.Reply.WriteJSON(encoded); err != nil {
		utils.LogRouteError(dev.ID, entry.Key.ConnID, entry.Method, err)
	}
}

func (r *Router) broadcastEvent(deviceID string, raw []byte) {
	r.subMu.Lock()
	subs := append([]subscriber(nil), r.subscribers[deviceID]...)
	r.subMu.Unlock()
	for _, s := range subs {
		_ = s.transport.WriteJSON(raw)
	}
}

// sweepPending advances every pending entry's retry/timeout state
// machine. Each entry alternates between "awaiting a device reply"
// (governed by MessageTimeout) and "awaiting its backoff window before
// the next resend attempt" (governed by an exponentially growing
// delay, capped at RetryMaxDelay); it is finalized with a timeout error
// once MaxRetries resend attempts have been exhausted.
func (r *Router) sweepPending() {
	now := time.Now()
	for _, entry := range r.pending.sweepExpired(now) {
		r.advancePending(entry, now)
	}
}

func (r *Router) advancePending(entry *PendingEntry, now time.Time) {
	if !entry.awaitingResend {
		if entry.Retries >= r.cfg.MaxRetries {
			r.finalizeTimeout(entry)
			return
		}
		entry.Retries++
		entry.awaitingResend = true
		entry.ExpiresAt = now.Add(backoffDelay(entry.Retries, r.cfg.RetryBaseDelay, r.cfg.RetryMaxDelay))
		r.pending.put(entry)
		return
	}

	dev, ok := r.reg.Get(entry.DeviceID)
	if !ok {
		r.finalizeError(entry, relayerr.DeviceUnavailable(entry.DeviceID))
		return
	}
	data, err := cdpmsg.Encode(entry.Outbound)
	if err != nil {
		r.finalizeError(entry, relayerr.Protocol(relayerr.CodeInvalidRegistrationSt, err.Error()))
		return
	}
	if err := r.writeOrQueue(dev, data, entry.Priority); err != nil {
		r.finalizeError(entry, relayerr.DeviceUnavailable(entry.DeviceID))
		return
	}
	entry.awaitingResend = false
	entry.ExpiresAt = now.Add(r.cfg.MessageTimeout)
	r.pending.put(entry)
}

func backoffDelay(retry int, base, max time.Duration) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(retry-1)))
	if d > max {
		return max
	}
	return d
}

func (r *Router) finalizeTimeout(entry *PendingEntry) {
	r.finalizeError(entry, relayerr.Timeout(relayerr.CodeMessageTimeout, "no reply from device within the retry budget", entry.DeviceID))
}

func (r *Router) finalizeError(entry *PendingEntry, relayErr *relayerr.Error) {
	if dev, ok := r.reg.Get(entry.DeviceID); ok {
		dev.IncError()
	}
	errFrame := cdpmsg.NewError(entry.Key.MsgID, -32000, relayErr.CDPMessage())
	if encoded, err := cdpmsg.Encode(errFrame); err == nil {
		_ = entry.Reply.WriteJSON(encoded)
	}
	utils.LogRouteError(entry.DeviceID, entry.Key.ConnID, entry.Method, relayErr)
}
