package jsonrpc

import (
	"encoding/json"
	"fmt"

	"github.com/tkingovr/txguard/api"
)

// Parse decodes a raw JSON byte slice into a JSONRPCMessage.
func Parse(data []byte) (*api.JSONRPCMessage, error) {
	var msg api.JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC message: %w", err)
	}
	if msg.JSONRPC != "2.0" {
		return nil, fmt.Errorf("unsupported JSON-RPC version: %q", msg.JSONRPC)
	}
	return &msg, nil
}

// DecodeResult unmarshals a response's result into out. A response carrying
// an error object returns it as *Error.
func DecodeResult(msg *api.JSONRPCMessage, out any) error {
	if msg.Error != nil {
		return &Error{Code: msg.Error.Code, Message: msg.Error.Message, Data: msg.Error.Data}
	}
	if !msg.IsResponse() {
		return fmt.Errorf("not a response: method %q", msg.Method)
	}
	if out == nil || len(msg.Result) == 0 || string(msg.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(msg.Result, out); err != nil {
		return fmt.Errorf("failed to parse result: %w", err)
	}
	return nil
}
