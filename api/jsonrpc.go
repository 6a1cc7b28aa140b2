package api

import "encoding/json"

// JSONRPCMessage is a JSON-RPC 2.0 envelope as exchanged with a node. The
// proxy reads requests in it and the fork client reads responses.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the error member of a response.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsResponse reports whether m answers a call: it has an id and no method.
func (m *JSONRPCMessage) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}
