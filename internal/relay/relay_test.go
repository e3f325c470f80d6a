package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wallcrawler/cdp-relay/internal/cdpmsg"
	"github.com/wallcrawler/cdp-relay/internal/router"
)

func testServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Router == (router.Config{}) {
		cfg.Router = router.DefaultConfig()
		cfg.Router.MessageTimeout = 200 * time.Millisecond
		cfg.Router.SweepInterval = 5 * time.Millisecond
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	cfg.EnableV2 = true

	s := New(cfg)
	s.reg.StartSweep(cfg.HeartbeatInterval)
	s.router.Start()
	t.Cleanup(func() {
		s.router.Stop()
		s.reg.Stop()
	})

	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return s, hs
}

func wsURL(hs *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(hs.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestLegacyExtensionRegisterThenClientRouteRoundTrip(t *testing.T) {
	_, hs := testServer(t, Config{})

	ext := dial(t, wsURL(hs, "/extension"))
	reg := cdpmsg.DeviceRegisterMessage{
		Type:     cdpmsg.TypeDeviceRegister,
		DeviceID: "device-1",
		DeviceInfo: cdpmsg.DeviceInfo{
			Name:    "chrome-ext",
			Version: "1.0.0",
		},
	}
	regRaw, err := json.Marshal(reg)
	require.NoError(t, err)
	require.NoError(t, ext.WriteMessage(websocket.TextMessage, regRaw))

	client := dial(t, wsURL(hs, "/cdp?deviceId=device-1"))

	// Browser.getVersion is answered locally, without reaching the device.
	require.NoError(t, client.WriteJSON(map[string]interface{}{
		"id":     1,
		"method": "Browser.getVersion",
	}))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.EqualValues(t, 1, resp["id"])
	require.Contains(t, resp, "result")

	// Page.navigate is forwarded to the device, which replies with a result.
	require.NoError(t, client.WriteJSON(map[string]interface{}{
		"id":     2,
		"method": "Page.navigate",
		"params": map[string]string{"url": "https://example.com"},
	}))

	_, devRaw, err := ext.ReadMessage()
	require.NoError(t, err)
	var devFrame map[string]interface{}
	require.NoError(t, json.Unmarshal(devRaw, &devFrame))
	require.Equal(t, "Page.navigate", devFrame["method"])
	relayID := devFrame["id"]

	require.NoError(t, ext.WriteJSON(map[string]interface{}{
		"id":     relayID,
		"result": map[string]string{"frameId": "f1"},
	}))

	_, clientRaw, err := client.ReadMessage()
	require.NoError(t, err)
	var clientResp map[string]interface{}
	require.NoError(t, json.Unmarshal(clientRaw, &clientResp))
	require.EqualValues(t, 2, clientResp["id"])
	require.Contains(t, clientResp, "result")
}

func TestLegacyCDPUnknownDeviceRepliesDeviceNotFound(t *testing.T) {
	_, hs := testServer(t, Config{})
	client := dial(t, wsURL(hs, "/cdp?deviceId=nope"))

	require.NoError(t, client.WriteJSON(map[string]interface{}{
		"id":     1,
		"method": "Page.navigate",
	}))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &resp))
	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, errObj["message"], "DEVICE_NOT_FOUND")
}

func TestV2DeviceRegisterAckThenCDPRouting(t *testing.T) {
	_, hs := testServer(t, Config{})

	dev := dial(t, wsURL(hs, "/v2/device"))
	regEnv, err := cdpmsg.NewEnvelope(cdpmsg.EnvDeviceRegister, map[string]interface{}{
		"deviceId": "device-v2",
		"name":     "chrome-ext",
		"version":  "2.0.0",
	})
	require.NoError(t, err)
	encoded, err := cdpmsg.EncodeEnvelope(regEnv)
	require.NoError(t, err)
	require.NoError(t, dev.WriteMessage(websocket.TextMessage, encoded))

	_, ackRaw, err := dev.ReadMessage()
	require.NoError(t, err)
	ack, err := cdpmsg.ParseEnvelope(ackRaw)
	require.NoError(t, err)
	require.Equal(t, cdpmsg.EnvDeviceRegisterAck, ack.Type)

	client := dial(t, wsURL(hs, "/v2/cdp/device-v2"))
	require.NoError(t, client.WriteJSON(map[string]interface{}{
		"id":     1,
		"method": "Runtime.evaluate",
		"params": map[string]string{"expression": "1+1"},
	}))

	_, devRaw, err := dev.ReadMessage()
	require.NoError(t, err)
	var devFrame map[string]interface{}
	require.NoError(t, json.Unmarshal(devRaw, &devFrame))
	require.Equal(t, "Runtime.evaluate", devFrame["method"])

	require.NoError(t, dev.WriteJSON(map[string]interface{}{
		"id":     devFrame["id"],
		"result": map[string]interface{}{"result": map[string]interface{}{"value": 2}},
	}))

	_, clientRaw, err := client.ReadMessage()
	require.NoError(t, err)
	var clientResp map[string]interface{}
	require.NoError(t, json.Unmarshal(clientRaw, &clientResp))
	require.EqualValues(t, 1, clientResp["id"])
}

func TestV2CDPSecondConnectionIsObserveOnly(t *testing.T) {
	_, hs := testServer(t, Config{})

	dev := dial(t, wsURL(hs, "/v2/device"))
	regEnv, _ := cdpmsg.NewEnvelope(cdpmsg.EnvDeviceRegister, map[string]interface{}{
		"deviceId": "device-v2b",
		"name":     "chrome-ext",
		"version":  "2.0.0",
	})
	encoded, _ := cdpmsg.EncodeEnvelope(regEnv)
	require.NoError(t, dev.WriteMessage(websocket.TextMessage, encoded))
	_, _, err := dev.ReadMessage() // ack
	require.NoError(t, err)

	first := dial(t, wsURL(hs, "/v2/cdp/device-v2b"))
	second := dial(t, wsURL(hs, "/v2/cdp/device-v2b"))

	require.NoError(t, second.WriteJSON(map[string]interface{}{
		"id":     1,
		"method": "Page.navigate",
	}))
	_, raw, err := second.ReadMessage()
	require.NoError(t, err)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &resp))
	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, errObj["message"], "DEVICE_UNAVAILABLE")

	_ = first
}

func TestV2ControlStatusAndDisconnectDevice(t *testing.T) {
	s, hs := testServer(t, Config{Token: "opsecret"})

	dev := dial(t, wsURL(hs, "/v2/device"))
	regEnv, _ := cdpmsg.NewEnvelope(cdpmsg.EnvDeviceRegister, map[string]interface{}{
		"deviceId": "device-ctl",
		"name":     "chrome-ext",
		"version":  "1.0.0",
	})
	encoded, _ := cdpmsg.EncodeEnvelope(regEnv)
	require.NoError(t, dev.WriteMessage(websocket.TextMessage, encoded))
	_, _, err := dev.ReadMessage()
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer opsecret")
	ctl, _, err := websocket.DefaultDialer.Dial(wsURL(hs, "/v2/control"), header)
	require.NoError(t, err)
	t.Cleanup(func() { ctl.Close() })

	statusEnv, _ := cdpmsg.NewEnvelope(cdpmsg.EnvControlStatus, map[string]interface{}{})
	statusRaw, _ := cdpmsg.EncodeEnvelope(statusEnv)
	require.NoError(t, ctl.WriteMessage(websocket.TextMessage, statusRaw))

	_, raw, err := ctl.ReadMessage()
	require.NoError(t, err)
	status, err := cdpmsg.ParseEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, cdpmsg.EnvControlStatus, status.Type)

	cmdEnv, _ := cdpmsg.NewEnvelope(cdpmsg.EnvControlCommand, map[string]interface{}{
		"action":   "disconnectDevice",
		"deviceId": "device-ctl",
	})
	cmdRaw, _ := cdpmsg.EncodeEnvelope(cmdEnv)
	require.NoError(t, ctl.WriteMessage(websocket.TextMessage, cmdRaw))

	_, ackRaw, err := ctl.ReadMessage()
	require.NoError(t, err)
	ack, err := cdpmsg.ParseEnvelope(ackRaw)
	require.NoError(t, err)
	require.Equal(t, cdpmsg.EnvControlCommand, ack.Type)

	require.Eventually(t, func() bool {
		_, ok := s.reg.Get("device-ctl")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestV2ControlRejectsUnauthorized(t *testing.T) {
	_, hs := testServer(t, Config{Token: "opsecret"})

	resp, err := http.Get(hs.URL + "/v2/control")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthEndpointReportsDeviceCounts(t *testing.T) {
	_, hs := testServer(t, Config{})

	ext := dial(t, wsURL(hs, "/extension"))
	reg := cdpmsg.DeviceRegisterMessage{
		Type:     cdpmsg.TypeDeviceRegister,
		DeviceID: "device-health",
		DeviceInfo: cdpmsg.DeviceInfo{
			Name:    "chrome-ext",
			Version: "1.0.0",
		},
	}
	raw, err := json.Marshal(reg)
	require.NoError(t, err)
	require.NoError(t, ext.WriteMessage(websocket.TextMessage, raw))

	require.Eventually(t, func() bool {
		resp, err := http.Get(hs.URL + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&body)
		devices, ok := body["devices"].(float64)
		return ok && devices >= 1
	}, time.Second, 5*time.Millisecond)
}
