package relay

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/wallcrawler/cdp-relay/internal/cdpmsg"
)

// controlCommand is the Data payload of a control:command envelope.
type controlCommand struct {
	Action   string `json:"action"`
	DeviceID string `json:"deviceId,omitempty"`
}

// handleV2Control serves the operator-facing control plane: an
// elevated-auth WebSocket that can query registry status/metrics and
// issue administrative commands (disconnecting a device, etc).
func (s *Server) handleV2Control(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r, true) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: v2 control upgrade failed: %v", err)
		return
	}
	transport := newWSTransport(conn)
	defer transport.Close(1000, "control session ended")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := cdpmsg.ParseEnvelope(raw)
		if err != nil {
			continue
		}
		s.handleControlEnvelope(transport, env)
	}
}

func (s *Server) handleControlEnvelope(transport *wsTransport, env *cdpmsg.Envelope) {
	switch env.Type {
	case cdpmsg.EnvControlStatus:
		s.sendControlStatus(transport)
	case cdpmsg.EnvControlMetrics:
		s.sendControlMetrics(transport)
	case cdpmsg.EnvControlCommand:
		s.handleControlCommand(transport, env)
	}
}

func (s *Server) sendControlStatus(transport *wsTransport) {
	stats := s.reg.Stats()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	out, err := cdpmsg.NewEnvelope(cdpmsg.EnvControlStatus, map[string]interface{}{
		"deviceCount":    stats.Total,
		"devicesByState": stats.ByState,
		"uptime":         time.Since(s.started).String(),
		"heapAllocBytes": mem.HeapAlloc,
	})
	if err != nil {
		return
	}
	if encoded, err := cdpmsg.EncodeEnvelope(out); err == nil {
		_ = transport.WriteJSON(encoded)
	}
}

func (s *Server) sendControlMetrics(transport *wsTransport) {
	devices := make([]map[string]interface{}, 0)
	for _, d := range s.reg.GetAll() {
		snap := d.Snapshot()
		devices = append(devices, map[string]interface{}{
			"id":           snap.ID,
			"state":        snap.State.String(),
			"messagesIn":   snap.Metrics.MessagesIn,
			"messagesOut":  snap.Metrics.MessagesOut,
			"errorCount":   snap.Metrics.ErrorCount,
			"avgLatencyMs": snap.Metrics.AvgLatencyMs,
			"backlogLen":   s.router.BacklogLen(snap.ID),
		})
	}
	out, err := cdpmsg.NewEnvelope(cdpmsg.EnvControlMetrics, map[string]interface{}{"devices": devices})
	if err != nil {
		return
	}
	if encoded, err := cdpmsg.EncodeEnvelope(out); err == nil {
		_ = transport.WriteJSON(encoded)
	}
}

func (s *Server) handleControlCommand(transport *wsTransport, env *cdpmsg.Envelope) {
	var cmd controlCommand
	if err := json.Unmarshal(env.Data, &cmd); err != nil {
		s.sendControlError(transport, "malformed control:command")
		return
	}

	switch cmd.Action {
	case "listDevices":
		s.sendControlMetrics(transport)
	case "disconnectDevice":
		if cmd.DeviceID == "" {
			s.sendControlError(transport, "disconnectDevice requires deviceId")
			return
		}
		s.reg.Unregister(cmd.DeviceID, 1000, "disconnected by operator")
		s.ackControlCommand(transport, cmd.Action, cmd.DeviceID)
	case "getDeviceMetrics":
		dev, ok := s.reg.Get(cmd.DeviceID)
		if !ok {
			s.sendControlError(transport, "device not found")
			return
		}
		snap := dev.Snapshot()
		out, err := cdpmsg.NewEnvelope(cdpmsg.EnvControlMetrics, map[string]interface{}{
			"id":           snap.ID,
			"state":        snap.State.String(),
			"messagesIn":   snap.Metrics.MessagesIn,
			"messagesOut":  snap.Metrics.MessagesOut,
			"errorCount":   snap.Metrics.ErrorCount,
			"avgLatencyMs": snap.Metrics.AvgLatencyMs,
		})
		if err == nil {
			if encoded, err := cdpmsg.EncodeEnvelope(out); err == nil {
				_ = transport.WriteJSON(encoded)
			}
		}
	default:
		s.sendControlError(transport, "unknown command: "+cmd.Action)
	}
}

func (s *Server) ackControlCommand(transport *wsTransport, action, deviceID string) {
	out, err := cdpmsg.NewEnvelope(cdpmsg.EnvControlCommand, map[string]string{
		"action":   action,
		"deviceId": deviceID,
		"status":   "ok",
	})
	if err != nil {
		return
	}
	if encoded, err := cdpmsg.EncodeEnvelope(out); err == nil {
		_ = transport.WriteJSON(encoded)
	}
}

func (s *Server) sendControlError(transport *wsTransport, message string) {
	out, err := cdpmsg.NewEnvelope(cdpmsg.EnvControlCommand, map[string]string{
		"status": "error",
		"error":  message,
	})
	if err != nil {
		return
	}
	if encoded, err := cdpmsg.EncodeEnvelope(out); err == nil {
		_ = transport.WriteJSON(encoded)
	}
}
