package router

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallcrawler/cdp-relay/internal/cdpmsg"
	"github.com/wallcrawler/cdp-relay/internal/registry"
)

func activeDevice(t *testing.T, reg *registry.Registry, id string, transport registry.Transport) *registry.Device {
	t.Helper()
	dev, err := reg.Register(id, registry.Capability{Name: "chrome-ext", Version: "9.9"}, transport, id+"-ext")
	require.NoError(t, err)
	require.NoError(t, reg.UpdateState(id, registry.StateRegistered))
	require.NoError(t, reg.UpdateState(id, registry.StateActive))
	return dev
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MessageTimeout = 20 * time.Millisecond
	cfg.RetryBaseDelay = 5 * time.Millisecond
	cfg.RetryMaxDelay = 20 * time.Millisecond
	cfg.MaxRetries = 1
	cfg.SweepInterval = 2 * time.Millisecond
	return cfg
}

func TestRouteRequestResponseRoundTrip(t *testing.T) {
	reg := registry.New()
	devTransport := &fakeTransport{}
	dev := activeDevice(t, reg, "dev-1", devTransport)

	r := New(reg, testConfig())
	client := &fakeTransport{}

	req, err := cdpmsg.ParseFrame([]byte(`{"id":7,"method":"Page.navigate","params":{"url":"https://example.com"}}`))
	require.NoError(t, err)

	require.NoError(t, r.Route("conn-A", client, "dev-1", req))
	require.Equal(t, 1, devTransport.count())

	var sent cdpmsg.Frame
	require.NoError(t, json.Unmarshal(devTransport.last(), &sent))
	assert.Equal(t, "Page.navigate", sent.Method)
	relayIDKey, ok := sent.IDKey()
	require.True(t, ok)
	assert.Equal(t, "conn-A#7", relayIDKey)

	reply, err := cdpmsg.NewResult(relayIDKey, map[string]string{"frameId": "F1"})
	require.NoError(t, err)
	encoded, err := cdpmsg.Encode(reply)
	require.NoError(t, err)

	r.HandleDeviceMessage(dev, encoded)

	require.Equal(t, 1, client.count())
	var delivered cdpmsg.Frame
	require.NoError(t, json.Unmarshal(client.last(), &delivered))
	idKey, ok := delivered.IDKey()
	require.True(t, ok)
	assert.Equal(t, "7", idKey)
	assert.JSONEq(t, `{"frameId":"F1"}`, string(delivered.Result))
}

func TestRouteLocalMethodAnsweredWithoutDevice(t *testing.T) {
	reg := registry.New()
	devTransport := &fakeTransport{}
	activeDevice(t, reg, "dev-1", devTransport)

	r := New(reg, testConfig())
	client := &fakeTransport{}

	req, err := cdpmsg.ParseFrame([]byte(`{"id":1,"method":"Browser.getVersion"}`))
	require.NoError(t, err)
	require.NoError(t, r.Route("conn-A", client, "dev-1", req))

	assert.Equal(t, 0, devTransport.count(), "local methods must not reach the device transport")
	require.Equal(t, 1, client.count())

	var delivered cdpmsg.Frame
	require.NoError(t, json.Unmarshal(client.last(), &delivered))
	var result struct {
		Product string `json:"product"`
	}
	require.NoError(t, json.Unmarshal(delivered.Result, &result))
	assert.Equal(t, "Chrome/Extension-Bridge", result.Product)
}

func TestRouteUnknownDevice(t *testing.T) {
	reg := registry.New()
	r := New(reg, testConfig())
	req, _ := cdpmsg.ParseFrame([]byte(`{"id":1,"method":"Page.navigate"}`))
	err := r.Route("conn-A", &fakeTransport{}, "no-such-device", req)
	require.Error(t, err)
}

func TestRouteDeviceNotActive(t *testing.T) {
	reg := registry.New()
	_, err := reg.Register("dev-1", registry.Capability{}, &fakeTransport{}, "ext-1")
	require.NoError(t, err)
	r := New(reg, testConfig())
	req, _ := cdpmsg.ParseFrame([]byte(`{"id":1,"method":"Page.navigate"}`))
	err = r.Route("conn-A", &fakeTransport{}, "dev-1", req)
	require.Error(t, err)
}

func TestEventBroadcastToAllSubscribers(t *testing.T) {
	reg := registry.New()
	devTransport := &fakeTransport{}
	dev := activeDevice(t, reg, "dev-1", devTransport)
	r := New(reg, testConfig())

	a, b := &fakeTransport{}, &fakeTransport{}
	r.Subscribe("dev-1", "conn-A", a)
	r.Subscribe("dev-1", "conn-B", b)

	event, err := cdpmsg.NewEvent("Page.loadEventFired", map[string]float64{"timestamp": 1.0})
	require.NoError(t, err)
	encoded, err := cdpmsg.Encode(event)
	require.NoError(t, err)

	r.HandleDeviceMessage(dev, encoded)

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())

	r.Unsubscribe("dev-1", "conn-A")
	r.HandleDeviceMessage(dev, encoded)
	assert.Equal(t, 1, a.count(), "unsubscribed connection should not receive further events")
	assert.Equal(t, 2, b.count())
}

func TestPendingRequestTimesOutAfterRetriesExhausted(t *testing.T) {
	reg := registry.New()
	devTransport := &fakeTransport{}
	activeDevice(t, reg, "dev-1", devTransport)

	r := New(reg, testConfig())
	r.Start()
	defer r.Stop()

	client := &fakeTransport{}
	req, err := cdpmsg.ParseFrame([]byte(`{"id":3,"method":"Runtime.evaluate","params":{}}`))
	require.NoError(t, err)
	require.NoError(t, r.Route("conn-A", client, "dev-1", req))

	require.Eventually(t, func() bool {
		return client.count() >= 1
	}, time.Second, 2*time.Millisecond)

	var delivered cdpmsg.Frame
	require.NoError(t, json.Unmarshal(client.last(), &delivered))
	require.NotNil(t, delivered.Error)
	assert.Equal(t, -32000, delivered.Error.Code)
}
