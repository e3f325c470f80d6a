package router

import (
	"encoding/json"
	"testing"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallcrawler/cdp-relay/internal/cdpmsg"
	"github.com/wallcrawler/cdp-relay/internal/registry"
)

func withConnectionInfo(t *testing.T, reg *registry.Registry, id string, targetID, rawURL string) {
	t.Helper()
	dev, ok := reg.Get(id)
	require.True(t, ok)
	dev.SetConnectionInfo(&cdpmsg.ConnectionInfo{
		SessionID: target.SessionID("S1"),
		TargetInfo: target.Info{
			TargetID: target.ID(targetID),
			Type:     "page",
			Title:    "x",
			URL:      rawURL,
		},
	})
}

func TestTargetSetAutoAttachEmitsEventWhenSessionOmitted(t *testing.T) {
	reg := registry.New()
	devTransport := &fakeTransport{}
	activeDevice(t, reg, "dev-1", devTransport)
	withConnectionInfo(t, reg, "dev-1", "T1", "https://example.com/page")

	r := New(reg, testConfig())
	client := &fakeTransport{}

	req, err := cdpmsg.ParseFrame([]byte(`{"id":2,"method":"Target.setAutoAttach","params":{"autoAttach":true}}`))
	require.NoError(t, err)
	require.NoError(t, r.Route("conn-A", client, "dev-1", req))

	assert.Equal(t, 0, devTransport.count(), "gated setAutoAttach must not reach the device")
	require.Equal(t, 2, client.count(), "expect the attachedToTarget event followed by the empty reply")

	var evt cdpmsg.Frame
	require.NoError(t, json.Unmarshal(client.writes[0], &evt))
	assert.Equal(t, "Target.attachedToTarget", evt.Method)

	var params struct {
		SessionID  string `json:"sessionId"`
		TargetInfo struct {
			Attached bool `json:"attached"`
		} `json:"targetInfo"`
	}
	require.NoError(t, json.Unmarshal(evt.Params, &params))
	assert.Equal(t, "S1", params.SessionID)
	assert.True(t, params.TargetInfo.Attached, "synthesized targetInfo must carry attached:true")

	var reply cdpmsg.Frame
	require.NoError(t, json.Unmarshal(client.writes[1], &reply))
	idKey, ok := reply.IDKey()
	require.True(t, ok)
	assert.Equal(t, "2", idKey)
	assert.JSONEq(t, `{}`, string(reply.Result))
}

func TestTargetSetAutoAttachForwardedWhenSessionPresent(t *testing.T) {
	reg := registry.New()
	devTransport := &fakeTransport{}
	activeDevice(t, reg, "dev-1", devTransport)
	withConnectionInfo(t, reg, "dev-1", "T1", "https://example.com/page")

	r := New(reg, testConfig())
	client := &fakeTransport{}

	req, err := cdpmsg.ParseFrame([]byte(`{"id":3,"method":"Target.setAutoAttach","sessionId":"existing-session","params":{"autoAttach":true}}`))
	require.NoError(t, err)
	require.NoError(t, r.Route("conn-A", client, "dev-1", req))

	assert.Equal(t, 1, devTransport.count(), "setAutoAttach with a sessionId must be forwarded to the device")
}

func TestTargetSetAutoAttachForwardedWithoutConnectionInfo(t *testing.T) {
	reg := registry.New()
	devTransport := &fakeTransport{}
	activeDevice(t, reg, "dev-1", devTransport)

	r := New(reg, testConfig())
	client := &fakeTransport{}

	req, err := cdpmsg.ParseFrame([]byte(`{"id":4,"method":"Target.setAutoAttach","params":{"autoAttach":true}}`))
	require.NoError(t, err)
	require.NoError(t, r.Route("conn-A", client, "dev-1", req))

	assert.Equal(t, 1, devTransport.count(), "setAutoAttach must forward when the device has no connection-info block yet")
}

func TestPageGetFrameTreeDerivesFieldsFromURL(t *testing.T) {
	reg := registry.New()
	devTransport := &fakeTransport{}
	activeDevice(t, reg, "dev-1", devTransport)
	withConnectionInfo(t, reg, "dev-1", "T1", "https://example.com/page?x=1")

	r := New(reg, testConfig())
	client := &fakeTransport{}

	req, err := cdpmsg.ParseFrame([]byte(`{"id":5,"method":"Page.getFrameTree"}`))
	require.NoError(t, err)
	require.NoError(t, r.Route("conn-A", client, "dev-1", req))

	var reply cdpmsg.Frame
	require.NoError(t, json.Unmarshal(client.last(), &reply))
	var result struct {
		FrameTree frameTree `json:"frameTree"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))

	f := result.FrameTree.Frame
	assert.Equal(t, "T1", f.ID)
	assert.Equal(t, "T1_loader", f.LoaderID)
	assert.Equal(t, "https://example.com/page?x=1", f.URL)
	assert.Equal(t, "example.com", f.DomainAndRegistry)
	assert.Equal(t, "https://example.com", f.SecurityOrigin)
	assert.Equal(t, "text/html", f.MimeType)
	assert.Equal(t, "Secure", f.SecureContextType)
	assert.Equal(t, "NotIsolated", f.CrossOriginIsolatedContextType)
	assert.Empty(t, f.GatedAPIFeatures)
	assert.Empty(t, result.FrameTree.ChildFrames)
}

func TestPageGetFrameTreeNullOriginForAboutBlank(t *testing.T) {
	reg := registry.New()
	devTransport := &fakeTransport{}
	activeDevice(t, reg, "dev-1", devTransport)
	withConnectionInfo(t, reg, "dev-1", "T1", "about:blank")

	r := New(reg, testConfig())
	client := &fakeTransport{}

	req, err := cdpmsg.ParseFrame([]byte(`{"id":6,"method":"Page.getFrameTree"}`))
	require.NoError(t, err)
	require.NoError(t, r.Route("conn-A", client, "dev-1", req))

	var reply cdpmsg.Frame
	require.NoError(t, json.Unmarshal(client.last(), &reply))
	var result struct {
		FrameTree frameTree `json:"frameTree"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))

	assert.Equal(t, "null", result.FrameTree.Frame.SecurityOrigin)
	assert.Equal(t, "Insecure", result.FrameTree.Frame.SecureContextType)
}
