// ABOUTME: JSON-RPC 2.0 envelope shared by the agent dispatcher and the core's RPC client.
// ABOUTME: Defines requests, responses, structured errors and the gami domain error codes.

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only protocol version accepted.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Domain error codes carried in the server-error range.
const (
	CodeNotFound      = -32001
	CodeDuplicateID   = -32002
	CodeInvalidValue  = -32003
	CodeNotRegistered = -32004
	CodeCommunication = -32010
)

// Request is a call or, when ID is absent, a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the sender expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// Response carries exactly one of Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the structured error object of a failed call.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error object.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// FieldError describes one parameter that failed validation.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// InvalidParams builds an InvalidParams error listing every offending field.
func InvalidParams(fields []FieldError) *Error {
	return &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: fields}
}

// MethodNotFound builds a MethodNotFound error for method.
func MethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "Method not found: " + method}
}

// NewRequest builds a call with the given id. params may be nil.
func NewRequest(id any, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, Method: method}
	if id != nil {
		raw, err := json.Marshal(id)
		if err != nil {
			return nil, fmt.Errorf("encoding id: %w", err)
		}
		req.ID = raw
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

// ParseRequest decodes and checks a request envelope. Params must be a named-field object.
func ParseRequest(data []byte) (*Request, *Error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewError(CodeParseError, "Parse error", err.Error())
	}
	if req.JSONRPC != Version {
		return &req, NewError(CodeInvalidRequest, "Invalid request: jsonrpc must be \"2.0\"", nil)
	}
	if req.Method == "" {
		return &req, NewError(CodeInvalidRequest, "Invalid request: missing method", nil)
	}
	params := bytes.TrimSpace(req.Params)
	if len(params) > 0 && !bytes.Equal(params, []byte("null")) && params[0] != '{' {
		return &req, NewError(CodeInvalidRequest, "Invalid request: params must be an object", nil)
	}
	return &req, nil
}

// NewResult builds a success response for id.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: nullable(id), Result: raw}, nil
}

// NewErrorResponse builds a failure response for id.
func NewErrorResponse(id json.RawMessage, e *Error) *Response {
	return &Response{JSONRPC: Version, ID: nullable(id), Error: e}
}

func nullable(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
