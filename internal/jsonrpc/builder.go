package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tkingovr/txguard/api"
)

// Error is a JSON-RPC error object returned by the remote node.
type Error struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRequest creates a JSON-RPC request with a numeric id.
func NewRequest(id int64, method string, params ...any) (*api.JSONRPCMessage, error) {
	if params == nil {
		params = []any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params for %s: %w", method, err)
	}
	return &api.JSONRPCMessage{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	}, nil
}

// Marshal encodes a JSONRPCMessage to JSON bytes.
func Marshal(msg *api.JSONRPCMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// Error codes returned by the transaction guard.
const (
	ErrorCodeInvalidParams     = -32602
	ErrorCodeInternal          = -32603
	ErrorCodeRejected          = -32001
	ErrorCodeReviewDenied      = -32002
	ErrorCodeAuditUnavailable  = -32003
	ErrorCodeMethodUnsupported = -32004
)

// NewErrorResponse creates a JSON-RPC error response. data may be nil.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) *api.JSONRPCMessage {
	e := &api.JSONRPCError{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return &api.JSONRPCMessage{JSONRPC: "2.0", ID: id, Error: e}
}
