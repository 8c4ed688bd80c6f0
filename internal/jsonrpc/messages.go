// Package jsonrpc implements the structured wire envelope used by the relay
// runtime: requests carry an identifier, a method name and a payload;
// responses carry the identifier plus a result or error; notifications carry
// a method and payload with no identifier. The envelope follows JSON-RPC 2.0
// but the runtime makes no further assumptions about framing or transport.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported envelope version.
const ProtocolVersion = "2.0"

// Message is the raw byte representation of a single wire message.
type Message []byte

// Request represents a request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no ID and therefore
// expects no response.
func (r *Request) IsNotification() bool { return r.ID.IsNil() }

// NewRequest builds a request envelope with a marshaled params payload.
func NewRequest(id *RequestID, method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}
	return &Request{JSONRPCVersion: ProtocolVersion, Method: method, Params: raw, ID: id}, nil
}

// NewNotification builds a notification envelope (no ID, no response).
func NewNotification(method string, params any) (*Request, error) {
	return NewRequest(nil, method, params)
}

// Response represents a response correlated to a request by ID.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// NewResultResponse builds a successful response envelope.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPCVersion: ProtocolVersion, Result: b, ID: id}, nil
}

// NewErrorResponse builds an error response envelope with a stable code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message, Data: data},
		ID:             id,
	}
}

// Error is the standard error shape: a numeric code, a human-readable
// message and optional structured data.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// AnyMessage is a decoded wire message of any kind.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// UnmarshalJSON enforces envelope semantics while decoding: a message is
// either a request/notification (method set) or a response (result xor error).
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type raw AnyMessage
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if r.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid envelope version: expected %q, got %q", ProtocolVersion, r.JSONRPCVersion)
	}

	hasMethod := r.Method != ""
	hasResult := len(r.Result) > 0
	hasError := r.Error != nil

	switch {
	case hasMethod && (hasResult || hasError):
		return fmt.Errorf("request message cannot carry result or error")
	case !hasMethod && hasResult && hasError:
		return fmt.Errorf("response message cannot carry both result and error")
	case !hasMethod && !hasResult && !hasError:
		return fmt.Errorf("response message must carry a result or error")
	}

	*m = AnyMessage(r)
	return nil
}

// AsRequest returns the message as a Request, or nil for responses.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}
	return &Request{JSONRPCVersion: m.JSONRPCVersion, Method: m.Method, Params: m.Params, ID: m.ID}
}

// AsResponse returns the message as a Response, or nil for requests.
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}
	return &Response{JSONRPCVersion: m.JSONRPCVersion, Result: m.Result, Error: m.Error, ID: m.ID}
}
