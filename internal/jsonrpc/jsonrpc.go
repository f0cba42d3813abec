// Package jsonrpc holds the JSON-RPC 2.0 envelope used at the transport
// boundary. Only the envelope lives here; message payloads stay opaque
// json.RawMessage all the way to the application handler.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	ErrorCodeParseError     ErrorCode = -32700
	ErrorCodeInvalidRequest ErrorCode = -32600
	ErrorCodeMethodNotFound ErrorCode = -32601
	ErrorCodeInvalidParams  ErrorCode = -32602
	ErrorCodeInternalError  ErrorCode = -32603
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// MessageType classifies a decoded envelope.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeNotification MessageType = "notification"
	TypeResponse     MessageType = "response"
)

// AnyMessage is a decoded JSON-RPC message of any type. UnmarshalJSON
// enforces 2.0 envelope validity, so a populated AnyMessage is always one of
// request, notification, or response.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type wire AnyMessage
	var raw wire
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, raw.JSONRPCVersion)
	}

	hasMethod := raw.Method != ""
	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil
	switch {
	case hasMethod && (hasResult || hasError):
		return fmt.Errorf("request message cannot have result or error fields")
	case !hasMethod && hasResult && hasError:
		return fmt.Errorf("response message cannot have both result and error fields")
	case !hasMethod && !hasResult && !hasError:
		return fmt.Errorf("response message must have either result or error field")
	}

	*m = AnyMessage(raw)
	return nil
}

// Type classifies the message.
func (m *AnyMessage) Type() MessageType {
	if m.Method != "" {
		if m.ID == nil {
			return TypeNotification
		}
		return TypeRequest
	}
	return TypeResponse
}

// AsRequest narrows to a Request; nil if the message is a response.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}
	return &Request{
		JSONRPCVersion: m.JSONRPCVersion,
		Method:         m.Method,
		Params:         m.Params,
		ID:             m.ID,
	}
}

// AsResponse narrows to a Response; nil if the message is a request or
// notification.
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}
	return &Response{
		JSONRPCVersion: m.JSONRPCVersion,
		Result:         m.Result,
		Error:          m.Error,
		ID:             m.ID,
	}
}

// Request is a JSON-RPC request (with an ID) or notification (without one).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response is a JSON-RPC response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = b
	}
	return &Request{
		JSONRPCVersion: ProtocolVersion,
		Method:         method,
		Params:         raw,
	}, nil
}

// NewResultResponse builds a successful response envelope.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error response envelope.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}
