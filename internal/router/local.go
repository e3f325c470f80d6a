package router

import (
	"net/url"
	"strings"

	"github.com/chromedp/cdproto/target"

	"github.com/wallcrawler/cdp-relay/internal/cdpmsg"
	"github.com/wallcrawler/cdp-relay/internal/registry"
)

// localHandler answers a locally-synthesized method. It may return a
// pre-event (e.g. Target.attachedToTarget) to emit before the reply,
// matching the ordering a real browser would produce.
type localHandler func(dev *registry.Device, frame *cdpmsg.Frame) (reply *cdpmsg.Frame, preEvents []*cdpmsg.Frame, err error)

var localHandlers = map[string]localHandler{
	"Browser.getVersion":          handleBrowserGetVersion,
	"Browser.setDownloadBehavior": handleEmptyResult,
	"Target.setAutoAttach":        handleTargetSetAutoAttach,
	"Target.getTargets":           handleTargetGetTargets,
	"Page.getFrameTree":           handlePageGetFrameTree,
}

// isLocalRequest reports whether frame should be answered locally
// rather than forwarded to the device. Every synthesized method is
// local unconditionally except Target.setAutoAttach, which is only
// answered locally when the device has a connection-info block *and*
// the request omits a flattened-mode sessionId; otherwise it is a
// genuine per-session command that only the extension can answer, and
// must be forwarded like any other method.
func isLocalRequest(dev *registry.Device, frame *cdpmsg.Frame) bool {
	if localHandlers[frame.Method] == nil {
		return false
	}
	if frame.Method == "Target.setAutoAttach" {
		return dev.ConnectionInfo() != nil && frame.SessionID == ""
	}
	return true
}

func idKeyOf(frame *cdpmsg.Frame) string {
	key, _ := frame.IDKey()
	return key
}

func handleBrowserGetVersion(dev *registry.Device, frame *cdpmsg.Frame) (*cdpmsg.Frame, []*cdpmsg.Frame, error) {
	result := struct {
		ProtocolVersion string `json:"protocolVersion"`
		Product         string `json:"product"`
		Revision        string `json:"revision"`
		UserAgent       string `json:"userAgent"`
		JSVersion       string `json:"jsVersion"`
	}{
		ProtocolVersion: "1.3",
		Product:         "Chrome/Extension-Bridge",
		Revision:        "@" + dev.ID,
		UserAgent:       "Browser-Go-Extension-Bridge/1.0.0",
		JSVersion:       "0",
	}
	reply, err := cdpmsg.NewResult(idKeyOf(frame), result)
	return reply, nil, err
}

func handleEmptyResult(dev *registry.Device, frame *cdpmsg.Frame) (*cdpmsg.Frame, []*cdpmsg.Frame, error) {
	reply, err := cdpmsg.NewResult(idKeyOf(frame), struct{}{})
	return reply, nil, err
}

// handleTargetSetAutoAttach is only ever invoked when isLocalRequest
// has already confirmed a connection-info block exists and the
// request carries no sessionId, so conn is never nil here.
func handleTargetSetAutoAttach(dev *registry.Device, frame *cdpmsg.Frame) (*cdpmsg.Frame, []*cdpmsg.Frame, error) {
	reply, err := cdpmsg.NewResult(idKeyOf(frame), struct{}{})
	if err != nil {
		return nil, nil, err
	}

	conn := dev.ConnectionInfo()
	if conn == nil {
		return reply, nil, nil
	}

	attachedInfo := conn.TargetInfo
	attachedInfo.Attached = true

	evt, err := cdpmsg.NewEvent("Target.attachedToTarget", target.EventAttachedToTarget{
		SessionID:          conn.SessionID,
		TargetInfo:         &attachedInfo,
		WaitingForDebugger: false,
	})
	if err != nil {
		return nil, nil, err
	}
	return reply, []*cdpmsg.Frame{evt}, nil
}

func handleTargetGetTargets(dev *registry.Device, frame *cdpmsg.Frame) (*cdpmsg.Frame, []*cdpmsg.Frame, error) {
	infos := []*target.Info{}
	if conn := dev.ConnectionInfo(); conn != nil {
		infos = append(infos, &conn.TargetInfo)
	}
	result := struct {
		TargetInfos []*target.Info `json:"targetInfos"`
	}{TargetInfos: infos}
	reply, err := cdpmsg.NewResult(idKeyOf(frame), result)
	return reply, nil, err
}

// frameTreeFrame mirrors the subset of CDP's Page.FrameTree.Frame the
// relay synthesizes for the single attached tab, every field a
// deterministic function of the connection-info url (spec.md
// section 4.2).
type frameTreeFrame struct {
	ID                             string   `json:"id"`
	LoaderID                       string   `json:"loaderId"`
	URL                            string   `json:"url"`
	DomainAndRegistry              string   `json:"domainAndRegistry"`
	SecurityOrigin                 string   `json:"securityOrigin"`
	MimeType                       string   `json:"mimeType"`
	SecureContextType              string   `json:"secureContextType"`
	CrossOriginIsolatedContextType string   `json:"crossOriginIsolatedContextType"`
	GatedAPIFeatures               []string `json:"gatedAPIFeatures"`
}

type frameTree struct {
	Frame       frameTreeFrame `json:"frame"`
	ChildFrames []frameTree    `json:"childFrames"`
}

func handlePageGetFrameTree(dev *registry.Device, frame *cdpmsg.Frame) (*cdpmsg.Frame, []*cdpmsg.Frame, error) {
	var targetID, rawURL string
	if conn := dev.ConnectionInfo(); conn != nil {
		targetID = string(conn.TargetInfo.TargetID)
		rawURL = conn.TargetInfo.URL
	}

	ft := frameTree{
		Frame:       deriveFrameTreeFrame(targetID, rawURL),
		ChildFrames: []frameTree{},
	}
	result := struct {
		FrameTree frameTree `json:"frameTree"`
	}{FrameTree: ft}
	reply, err := cdpmsg.NewResult(idKeyOf(frame), result)
	return reply, nil, err
}

// deriveFrameTreeFrame computes every Page.getFrameTree field from the
// target's id and url, per spec.md section 4.2: loaderId is
// targetId + "_loader"; domainAndRegistry is derived from the url's
// hostname; securityOrigin is the url's origin, or "null" for
// about:blank and urls that fail to parse or carry no host;
// secureContextType is "Secure" iff the scheme is https, else
// "Insecure"; crossOriginIsolatedContextType is always "NotIsolated";
// gatedAPIFeatures and childFrames are always empty.
func deriveFrameTreeFrame(targetID, rawURL string) frameTreeFrame {
	ft := frameTreeFrame{
		ID:                             targetID,
		LoaderID:                       targetID + "_loader",
		URL:                            rawURL,
		MimeType:                       "text/html",
		CrossOriginIsolatedContextType: "NotIsolated",
		GatedAPIFeatures:               []string{},
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		ft.SecurityOrigin = "null"
		ft.SecureContextType = "Insecure"
		return ft
	}

	ft.SecurityOrigin = u.Scheme + "://" + u.Host
	ft.DomainAndRegistry = domainAndRegistry(u.Hostname())
	if u.Scheme == "https" {
		ft.SecureContextType = "Secure"
	} else {
		ft.SecureContextType = "Insecure"
	}
	return ft
}

// domainAndRegistry approximates the registrable domain (eTLD+1) as
// the last two dot-separated labels of the hostname -- adequate for
// the relay's own synthesized frame tree, which never needs to
// distinguish multi-label public suffixes (co.uk and the like).
func domainAndRegistry(host string) string {
	if host == "" {
		return ""
	}
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
