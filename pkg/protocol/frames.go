// Package protocol defines the websocket frames spoken between channel
// adapters, control clients, and the switchboard gateway.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking frame changes.
const ProtocolVersion = 1

// RequestFrame is a client-to-server method call.
type RequestFrame struct {
	Type   string          `json:"type"` // "req"
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers one RequestFrame.
type ResponseFrame struct {
	Type   string      `json:"type"` // "res"
	ID     string      `json:"id"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// EventFrame is a server push, not tied to a request.
type EventFrame struct {
	Type    string      `json:"type"` // "event"
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorInfo carries a machine-readable failure.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrUnauthorized  = "unauthorized"
	ErrBadRequest    = "bad_request"
	ErrUnknownMethod = "unknown_method"
	ErrRateLimited   = "rate_limited"
	ErrInternal      = "internal"
)

// NewResponse builds a success response for a request id.
func NewResponse(id string, result interface{}) *ResponseFrame {
	return &ResponseFrame{Type: "res", ID: id, OK: true, Result: result}
}

// NewErrorResponse builds a failure response for a request id.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{Type: "res", ID: id, OK: false, Error: &ErrorInfo{Code: code, Message: message}}
}

// NewEvent builds a push frame.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: "event", Name: name, Payload: payload}
}
