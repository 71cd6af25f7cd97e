package jsonrpc

import "fmt"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Implementation-defined server error codes. The JSON-RPC spec reserves
// -32000..-32099 for this purpose; each failure domain gets one stable code.
const (
	// ErrorCodeTransport covers transport-level failures surfaced inside the
	// envelope protocol (unacceptable content types, broken streams).
	ErrorCodeTransport ErrorCode = -32000
	// ErrorCodeSession covers unknown, expired, or terminated sessions.
	ErrorCodeSession ErrorCode = -32001
	// ErrorCodeAuth covers authentication and authorization failures.
	ErrorCodeAuth ErrorCode = -32002
	// ErrorCodeResource covers resource-domain failures such as an unknown URI.
	ErrorCodeResource ErrorCode = -32003
	// ErrorCodeTool covers tool-domain failures such as an unknown tool name.
	ErrorCodeTool ErrorCode = -32004
	// ErrorCodePrompt covers prompt-domain failures such as an unknown prompt.
	ErrorCodePrompt ErrorCode = -32005
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error with the given code and a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
