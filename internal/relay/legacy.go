package relay

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wallcrawler/cdp-relay/internal/cdpmsg"
	"github.com/wallcrawler/cdp-relay/internal/registry"
	"github.com/wallcrawler/cdp-relay/internal/relayerr"
	"github.com/wallcrawler/cdp-relay/internal/utils"
)

// handleLegacyExtension is the device-side socket of the original (v1)
// wire protocol: the extension connects here, sends a device_register
// control message, then exchanges ping/pong and connection_info
// control messages alongside raw CDP frames for the lifetime of the
// connection.
func (s *Server) handleLegacyExtension(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: extension upgrade failed: %v", err)
		return
	}
	transport := newWSTransport(conn)
	extConnID := utils.NewConnectionID()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = transport.Close(1002, "expected device_register")
		return
	}
	if cdpmsg.PeekType(raw) != cdpmsg.TypeDeviceRegister {
		_ = transport.Close(1002, "first message must be device_register")
		return
	}
	reg, err := cdpmsg.ParseDeviceRegister(raw)
	if err != nil {
		_ = transport.Close(1002, "malformed device_register")
		return
	}

	dev, err := s.reg.Register(reg.DeviceID, registry.Capability{
		Name:    reg.DeviceInfo.Name,
		Version: reg.DeviceInfo.Version,
	}, transport, extConnID)
	if err != nil {
		_ = transport.Close(1011, "registration failed")
		return
	}
	_ = s.reg.UpdateState(reg.DeviceID, registry.StateRegistered)
	_ = s.reg.UpdateState(reg.DeviceID, registry.StateActive)

	s.legacyExtensionReadLoop(conn, transport, dev)
}

func (s *Server) legacyExtensionReadLoop(conn *websocket.Conn, transport *wsTransport, dev *registry.Device) {
	defer s.reg.Unregister(dev.ID, 1000, "extension connection closed")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch cdpmsg.PeekType(raw) {
		case cdpmsg.TypePing:
			dev.IncMessagesIn(len(raw))
			if ping, err := cdpmsg.ParsePing(raw); err == nil {
				s.reg.UpdateLastHeartbeat(dev.ID)
				_ = transport.WriteJSON(legacyPongFrame(ping.DeviceID))
			}
		case cdpmsg.TypeConnectionInfo:
			dev.IncMessagesIn(len(raw))
			if info, err := cdpmsg.ParseConnectionInfo(raw); err == nil {
				dev.SetConnectionInfo(&cdpmsg.ConnectionInfo{SessionID: info.SessionID, TargetInfo: info.TargetInfo})
			}
		default:
			s.router.HandleDeviceMessage(dev, raw)
		}
	}
}

func legacyPongFrame(deviceID string) []byte {
	raw, _ := json.Marshal(cdpmsg.PongMessage{Type: cdpmsg.TypePong, DeviceID: deviceID, Timestamp: time.Now().UnixMilli()})
	return raw
}

// handleLegacyCDP is the client-side socket of the v1 protocol:
// Playwright connects here with a deviceId (query parameter, or a
// path-embedded /key/value segment for deployments that can't set
// query strings on a WebSocket URL) and an optional token.
func (s *Server) handleLegacyCDP(w http.ResponseWriter, r *http.Request) {
	params := parseLegacyCDPParams(r)

	if s.cfg.Token != "" && !s.authorize(r, false) && !s.auth.Validate(params["token"]) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: cdp upgrade failed: %v", err)
		return
	}
	transport := newWSTransport(conn)
	connID := utils.NewConnectionID()

	deviceID := params["deviceId"]
	if deviceID != "" {
		s.router.Subscribe(deviceID, connID, transport)
		defer s.router.Unsubscribe(deviceID, connID)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := cdpmsg.ParseFrame(raw)
		if err != nil {
			continue
		}

		if deviceID == "" {
			s.replyDeviceNotFound(transport, frame)
			continue
		}

		if err := s.router.Route(connID, transport, deviceID, frame); err != nil {
			s.replyRouteError(transport, frame, err)
		}
	}
}

func (s *Server) replyDeviceNotFound(transport *wsTransport, frame *cdpmsg.Frame) {
	idKey, ok := frame.IDKey()
	if !ok {
		return
	}
	errFrame := cdpmsg.NewError(idKey, -32000, "DEVICE_NOT_FOUND: no deviceId on this connection")
	if encoded, err := cdpmsg.Encode(errFrame); err == nil {
		_ = transport.WriteJSON(encoded)
	}
}

func (s *Server) replyRouteError(transport *wsTransport, frame *cdpmsg.Frame, routeErr error) {
	idKey, ok := frame.IDKey()
	if !ok {
		return
	}
	msg := routeErr.Error()
	var relayErr *relayerr.Error
	if errors.As(routeErr, &relayErr) {
		msg = relayErr.CDPMessage()
	}
	errFrame := cdpmsg.NewError(idKey, -32000, msg)
	if encoded, err := cdpmsg.Encode(errFrame); err == nil {
		_ = transport.WriteJSON(encoded)
	}
}

// parseLegacyCDPParams extracts deviceId/token/startingUrl/launch from
// either the query string or path-embedded /key/value segments
// following /cdp, e.g. /cdp/deviceId/abc123/token/secret.
func parseLegacyCDPParams(r *http.Request) map[string]string {
	params := map[string]string{}
	q := r.URL.Query()
	for _, key := range []string{"deviceId", "token", "startingUrl", "launch"} {
		if v := q.Get(key); v != "" {
			params[key] = v
		}
	}

	trimmed := strings.TrimPrefix(r.URL.Path, "/cdp")
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return params
	}
	segments := strings.Split(trimmed, "/")
	for i := 0; i+1 < len(segments); i += 2 {
		key, val := segments[i], segments[i+1]
		if _, exists := params[key]; !exists {
			params[key] = val
		}
	}
	return params
}
