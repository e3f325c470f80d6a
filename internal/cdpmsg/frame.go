// Package cdpmsg implements the wire codec for the relay: CDP request/
// response/event frames forwarded between clients and devices, the
// legacy type-discriminated control messages used on /extension and
// /cdp, and the enveloped message shape used on the /v2/* endpoints.
//
// Decoding never returns a fatal error for a malformed byte slice --
// callers are expected to log and drop the frame, not tear down the
// socket (spec requirement: one bad frame must not kill a session).
package cdpmsg

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/target"
)

// Frame is a CDP protocol frame: a request (id+method), a response
// (id+result or id+error), or an event (method only, no id). Params
// and Result are kept as raw JSON -- the relay never interprets the
// domain payload except for the handful of locally synthesized
// methods, which decode/build their own typed params.
type Frame struct {
	ID        json.RawMessage `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *FrameError     `json:"error,omitempty"`
}

// FrameError is the CDP error object carried in an error response.
type FrameError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IDKey returns a canonical string form of the frame's id suitable for
// use as a map key, and whether the frame carries one at all. CDP ids
// are conventionally numeric but the wire format allows strings too.
func (f *Frame) IDKey() (string, bool) {
	if len(f.ID) == 0 || string(f.ID) == "null" {
		return "", false
	}
	return string(bytes.Trim(f.ID, `"`)), true
}

// IsRequest reports whether the frame is a client request awaiting a
// response: it names a method and carries an id.
func (f *Frame) IsRequest() bool {
	_, hasID := f.IDKey()
	return f.Method != "" && hasID
}

// IsResponse reports whether the frame is a response to a prior
// request: it carries an id and no method.
func (f *Frame) IsResponse() bool {
	_, hasID := f.IDKey()
	return f.Method == "" && hasID
}

// IsEvent reports whether the frame is an unsolicited event: it names
// a method and carries no id.
func (f *Frame) IsEvent() bool {
	_, hasID := f.IDKey()
	return f.Method != "" && !hasID
}

// ParseFrame decodes a raw CDP frame. A JSON syntax error or a frame
// with neither a method nor an id is reported as an error; the caller
// is expected to log and discard it without closing the transport.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed CDP frame: %w", err)
	}
	_, hasID := f.IDKey()
	if f.Method == "" && !hasID {
		return nil, fmt.Errorf("malformed CDP frame: neither method nor id present")
	}
	return &f, nil
}

// Encode serializes a frame back to wire JSON.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// NewResult builds a success response frame for the given request id.
func NewResult(idKey string, result interface{}) (*Frame, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Frame{ID: idRawFromKey(idKey), Result: raw}, nil
}

// NewError builds an error response frame with the CDP-relay error
// code convention (-32000) used for surfaced relay-level errors.
func NewError(idKey string, code int, message string) *Frame {
	return &Frame{
		ID: idRawFromKey(idKey),
		Error: &FrameError{
			Code:    code,
			Message: message,
		},
	}
}

// NewRequest builds a request frame, used by the router to re-encode a
// client's request with a relay-assigned id before forwarding it to a
// device.
func NewRequest(idKey, method string, params json.RawMessage, sessionID string) *Frame {
	return &Frame{ID: idRawFromKey(idKey), Method: method, Params: params, SessionID: sessionID}
}

// RewriteID returns a shallow copy of f with its id replaced, used by
// the router to restore a device response's id to the client's
// original id before delivery.
func RewriteID(f *Frame, idKey string) *Frame {
	cp := *f
	cp.ID = idRawFromKey(idKey)
	return &cp
}

// NewEvent builds a frame carrying an unsolicited event.
func NewEvent(method string, params interface{}) (*Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Frame{Method: method, Params: raw}, nil
}

// idRawFromKey re-encodes a canonical id key back into raw JSON,
// preserving numeric ids as numbers rather than re-quoting them.
func idRawFromKey(idKey string) json.RawMessage {
	if idKey == "" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal([]byte(idKey), &n); err == nil {
		return json.RawMessage(idKey)
	}
	quoted, _ := json.Marshal(idKey)
	return json.RawMessage(quoted)
}

// ConnectionInfo is the targetInfo+sessionId pair an extension reports
// once it has attached its debugger to a browser tab. Required to
// synthesize Target.* and Page.getFrameTree replies locally.
type ConnectionInfo struct {
	SessionID  target.SessionID `json:"sessionId"`
	TargetInfo target.Info      `json:"targetInfo"`
}
