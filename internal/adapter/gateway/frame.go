package gateway

import (
	"encoding/json"

	"squadron/internal/domain"
)

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged between client and server.
//
// Event frames pushed on behalf of a request (turn.chunk) carry that
// request's ID; bus events carry ID 0.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

// FrameError is the error of a response frame.
type FrameError struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func newFrameError(err error) *FrameError {
	if err == nil {
		return nil
	}
	return &FrameError{Code: domain.ErrorCodeOf(err), Message: err.Error()}
}
