package relay

import (
	"log"
	"net/http"
	"strings"

	"github.com/wallcrawler/cdp-relay/internal/cdpmsg"
	"github.com/wallcrawler/cdp-relay/internal/utils"
)

// handleV2CDP is the v2 client-side socket: Playwright connects to
// /v2/cdp/{deviceId} and exchanges plain (unenveloped) CDP frames,
// exactly as it would with a real browser's debugger endpoint.
//
// A connection opens in one of two modes: "device-owned", the first
// connection for a given device, which gets full read/write routing;
// and "distinct-client", any additional connection to the same device
// while one is already attached, which still receives the device's
// event fan-out but has its requests rejected with DEVICE_UNAVAILABLE
// rather than silently interleaving two clients' CDP sessions. A
// client that wants deliberate read-only multiplexing can request it
// explicitly with ?mode=observe.
func (s *Server) handleV2CDP(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimPrefix(r.URL.Path, "/v2/cdp/")
	deviceID = strings.Trim(deviceID, "/")
	if deviceID == "" {
		http.Error(w, "missing deviceId in path", http.StatusBadRequest)
		return
	}

	if s.cfg.Token != "" && !s.authorize(r, false) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if _, ok := s.reg.Get(deviceID); !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: v2 cdp upgrade failed: %v", err)
		return
	}
	transport := newWSTransport(conn)
	connID := utils.NewConnectionID()

	observeOnly := r.URL.Query().Get("mode") == "observe" || s.router.SubscriberCount(deviceID) > 0

	s.router.Subscribe(deviceID, connID, transport)
	s.reg.BindCDPConn(deviceID, connID)
	defer s.router.Unsubscribe(deviceID, connID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := cdpmsg.ParseFrame(raw)
		if err != nil {
			continue
		}

		if observeOnly {
			s.replyRouteError(transport, frame, errObserveOnly{})
			continue
		}

		if err := s.router.Route(connID, transport, deviceID, frame); err != nil {
			s.replyRouteError(transport, frame, err)
		}
	}
}

type errObserveOnly struct{}

func (errObserveOnly) Error() string {
	return "DEVICE_UNAVAILABLE: connection is in observe-only mode"
}
