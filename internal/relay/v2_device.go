package relay

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/wallcrawler/cdp-relay/internal/cdpmsg"
	"github.com/wallcrawler/cdp-relay/internal/registry"
	"github.com/wallcrawler/cdp-relay/internal/utils"
)

// v2 WebSocket close codes (private-use range, RFC 6455 section 7.4.2).
const (
	closeBadHandshake      = 4000
	closeCapabilityInvalid = 4001
	closeConflict          = 4002
)

// deviceRegisterData is the envelope Data payload of a device:register
// message.
type deviceRegisterData struct {
	DeviceID     string   `json:"deviceId"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	BrowserName  string   `json:"browserName"`
	Capabilities []string `json:"capabilities"`
}

// handleV2Device is the device-side socket of the v2 protocol: the
// extension registers once via an enveloped device:register message,
// then exchanges device:heartbeat / device:disconnect envelopes
// alongside raw (unenveloped) CDP frames for the lifetime of the
// connection -- the envelope wraps relay lifecycle control, not CDP
// traffic itself.
func (s *Server) handleV2Device(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: v2 device upgrade failed: %v", err)
		return
	}
	transport := newWSTransport(conn)
	extConnID := utils.NewConnectionID()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = transport.Close(closeBadHandshake, "expected device:register")
		return
	}
	env, err := cdpmsg.ParseEnvelope(raw)
	if err != nil || env.Type != cdpmsg.EnvDeviceRegister {
		_ = transport.Close(closeBadHandshake, "first message must be device:register")
		return
	}
	var reg deviceRegisterData
	if err := json.Unmarshal(env.Data, &reg); err != nil || reg.DeviceID == "" {
		_ = transport.Close(closeBadHandshake, "malformed device:register")
		return
	}
	if reg.Name == "" {
		_ = transport.Close(closeCapabilityInvalid, "device:register missing capability name")
		return
	}

	dev, regErr := s.reg.Register(reg.DeviceID, registry.Capability{
		Name:         reg.Name,
		Version:      reg.Version,
		BrowserName:  reg.BrowserName,
		Capabilities: reg.Capabilities,
	}, transport, extConnID)
	if regErr != nil {
		_ = transport.Close(1011, "registration failed")
		return
	}

	if err := s.reg.UpdateState(reg.DeviceID, registry.StateRegistered); err != nil {
		_ = transport.Close(1011, "state transition failed")
		return
	}
	ack, _ := cdpmsg.NewEnvelope(cdpmsg.EnvDeviceRegisterAck, map[string]string{"deviceId": reg.DeviceID})
	if encoded, err := cdpmsg.EncodeEnvelope(ack); err == nil {
		_ = transport.WriteJSON(encoded)
	}
	_ = s.reg.UpdateState(reg.DeviceID, registry.StateActive)

	s.v2DeviceReadLoop(conn, dev, transport)
}

func (s *Server) v2DeviceReadLoop(conn *websocket.Conn, dev *registry.Device, transport *wsTransport) {
	defer s.reg.Unregister(dev.ID, 1000, "device connection closed")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleV2DeviceFrame(dev, transport, raw)
	}
}

func (s *Server) handleV2DeviceFrame(dev *registry.Device, transport *wsTransport, raw []byte) {
	if env, err := cdpmsg.ParseEnvelope(raw); err == nil {
		switch env.Type {
		case cdpmsg.EnvDeviceHeartbeat:
			s.reg.UpdateLastHeartbeat(dev.ID)
			ack, _ := cdpmsg.NewEnvelope(cdpmsg.EnvDeviceHeartbeatAck, map[string]string{"deviceId": dev.ID})
			if encoded, encErr := cdpmsg.EncodeEnvelope(ack); encErr == nil {
				_ = transport.WriteJSON(encoded)
			}
		case cdpmsg.EnvDeviceDisconnect:
			s.reg.Unregister(dev.ID, 1000, "device requested disconnect")
		default:
			// Unknown envelope type: ignore rather than tearing down the
			// connection over a forward-incompatible message.
		}
		return
	}
	s.router.HandleDeviceMessage(dev, raw)
}
