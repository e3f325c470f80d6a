package relay

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// handleHealth reports liveness plus a device-count summary, adapted
// from the teacher's CDPProxy.handleHealth (which pinged a single
// Chrome process; this relay has no single upstream to ping, so health
// is a function of the registry's own state).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.reg.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"uptime":      time.Since(s.started).String(),
		"devices":     stats.Total,
		"devicesByState": stats.ByState,
		"timestamp":   time.Now(),
	})
}

// handleMetrics reports registry and runtime counters, adapted from
// the teacher's CDPProxy.handleMetrics (ProxyMetrics/CircuitBreaker
// snapshot), retargeted at the device registry.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := s.reg.Stats()
	devices := make([]map[string]interface{}, 0, stats.Total)
	for _, d := range s.reg.GetAll() {
		snap := d.Snapshot()
		devices = append(devices, map[string]interface{}{
			"id":            snap.ID,
			"state":         snap.State.String(),
			"registeredAt":  snap.RegisteredAt,
			"lastSeen":      snap.LastSeen,
			"lastHeartbeat": snap.LastHeartbeat,
			"backlogLen":    s.router.BacklogLen(snap.ID),
			"messagesIn":    snap.Metrics.MessagesIn,
			"messagesOut":   snap.Metrics.MessagesOut,
			"errorCount":    snap.Metrics.ErrorCount,
			"avgLatencyMs":  snap.Metrics.AvgLatencyMs,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "healthy",
		"devices":        devices,
		"deviceCount":    stats.Total,
		"devicesByState": stats.ByState,
		"runtime": map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"heapAllocBytes": mem.HeapAlloc,
			"gcCycles":       mem.NumGC,
		},
		"timestamp": time.Now(),
	})
}
