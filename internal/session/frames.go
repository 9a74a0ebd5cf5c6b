// Package session runs the multi-client front door: framed JSON
// requests routed through a static tool table, one serial worker per
// session, over stdio, WebSocket, or REST.
package session

import (
	"encoding/json"
	"errors"

	"github.com/trinitas-lab/tmws/pkg/types"
)

// MaxFrameBytes caps one JSON frame on any transport.
const MaxFrameBytes = 1 << 20

// Request is one inbound tool call.
type Request struct {
	ID     string          `json:"id"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params,omitempty"`
}

// WireError is the error half of a response frame.
type WireError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Response answers a request by id. Exactly one of Result and Error is
// set. A frame without an id is a server notification.
type Response struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// okResponse marshals a tool result into a response frame.
func okResponse(id string, result any) Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return errResponse(id, types.E(types.KindInternal, "result serialization failed"))
	}
	return Response{ID: id, Result: raw}
}

// errResponse maps a service error onto the wire taxonomy. Foreign
// errors surface as ErrInternal with a generic message so storage and
// filesystem details never leak.
func errResponse(id string, err error) Response {
	kind := types.KindOf(err)
	msg := "internal error"
	var te *types.Error
	if errors.As(err, &te) {
		msg = te.Message
	}
	return Response{ID: id, Error: &WireError{
		Code:       string(kind),
		Message:    msg,
		RetryAfter: types.RetryAfterOf(err),
	}}
}

// decodeRequest parses one frame, enforcing the frame budget.
func decodeRequest(raw []byte) (*Request, error) {
	if len(raw) > MaxFrameBytes {
		return nil, types.E(types.KindValidation, "frame exceeds %d bytes", MaxFrameBytes)
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, types.E(types.KindValidation, "frame is not valid JSON")
	}
	if req.Tool == "" {
		return nil, types.E(types.KindValidation, "frame is missing the tool field")
	}
	return &req, nil
}
