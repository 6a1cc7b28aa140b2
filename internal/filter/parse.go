package filter

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/evm"
)

//go:embed schema/request.schema.json
var requestSchema string

const (
	requestSchemaURL    = "https://txguard.local/schema/request.schema.json"
	DefaultMaxBodyBytes = 1 << 20
)

// ParseFilter validates the body against the request schema, decodes it and
// applies the checks a schema cannot express.
type ParseFilter struct {
	schema         *jsonschema.Schema
	maxBytes       int
	chainSupported func(uint64) bool
}

// NewParseFilter compiles the request schema. chainSupported may be nil to
// accept any chain id.
func NewParseFilter(maxBytes int, chainSupported func(uint64) bool) (*ParseFilter, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(requestSchemaURL, strings.NewReader(requestSchema)); err != nil {
		return nil, fmt.Errorf("request schema load failed: %w", err)
	}
	compiled, err := c.Compile(requestSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("request schema compile failed: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return &ParseFilter{schema: compiled, maxBytes: maxBytes, chainSupported: chainSupported}, nil
}

func (f *ParseFilter) Name() string { return "parse" }

func (f *ParseFilter) Process(_ context.Context, fc *FilterContext) error {
	if len(fc.Raw) > f.maxBytes {
		fc.reject(CodeInvalidRequest, "parse:size", fmt.Sprintf("request body exceeds %d bytes", f.maxBytes))
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(fc.Raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		fc.reject(CodeInvalidRequest, "parse:json", "malformed JSON: "+err.Error())
		return nil
	}
	if err := f.schema.Validate(doc); err != nil {
		fc.reject(CodeInvalidRequest, "parse:schema", schemaMessage(err))
		return nil
	}

	var req api.AuditRequest
	if err := json.Unmarshal(fc.Raw, &req); err != nil {
		fc.reject(CodeInvalidRequest, "parse:decode", err.Error())
		return nil
	}
	if msg := checkRequest(&req, f.chainSupported); msg != "" {
		fc.reject(CodeInvalidRequest, "parse:semantic", msg)
		return nil
	}

	fc.Request = &req
	if fc.CallerKey == "" {
		fc.CallerKey = req.Caller.ID
	}
	return nil
}

func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return fmt.Sprintf("%s: %s", ve.InstanceLocation, ve.Message)
}

// checkRequest returns a description of the first problem, or "".
func checkRequest(req *api.AuditRequest, chainSupported func(uint64) bool) string {
	tx := req.Transaction
	if strings.TrimSpace(req.Intent) == "" {
		return "intent is blank"
	}
	if !evm.IsAddress(tx.From) {
		return "transaction.from is not an address"
	}
	if tx.To != "" && !evm.IsAddress(tx.To) {
		return "transaction.to is not an address"
	}
	if tx.Value != "" {
		v, err := evm.ParseInt(tx.Value)
		if err != nil || v.Sign() < 0 {
			return "transaction.value is not a non-negative integer"
		}
	}
	if tx.To == "" && len(strings.TrimPrefix(tx.Data, "0x")) == 0 {
		return "contract creation requires init code"
	}
	if chainSupported != nil && !chainSupported(tx.ChainID) {
		return fmt.Sprintf("chain %d is not supported", tx.ChainID)
	}
	for addr, o := range tx.StateOverrides {
		if o.Balance != "" {
			if _, err := evm.ParseInt(o.Balance); err != nil {
				return fmt.Sprintf("state override for %s has an invalid balance", addr)
			}
		}
	}
	return ""
}
