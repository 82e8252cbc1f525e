package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
)

// SchemaValidator rejects provider-bound payloads that do not match the
// JSON Schema registered for their capability and operation.
type SchemaValidator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema // capid/operation -> schema
}

// NewSchemaValidator creates a validator with no schemas.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{schemas: make(map[string]*jsonschema.Schema)}
}

// AddSchema compiles and registers a schema for capID/operation.
func (v *SchemaValidator) AddSchema(capID, operation, schema string) error {
	key := capID + "/" + operation
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://wascc.local/schemas/%s.schema.json", strings.NewReplacer(":", "_", "/", "_").Replace(key))
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schema compile failed: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[key] = compiled
	return nil
}

func (v *SchemaValidator) Name() string { return "schema" }

func (v *SchemaValidator) PreInvoke(_ context.Context, inv *contracts.Invocation) (PreResult, error) {
	if !inv.Target.IsProvider() {
		return Continue(), nil
	}
	v.mu.RLock()
	schema, ok := v.schemas[inv.Target.CapabilityID()+"/"+inv.Operation]
	v.mu.RUnlock()
	if !ok {
		return Continue(), nil
	}

	var doc any
	if err := json.Unmarshal(inv.Payload, &doc); err != nil {
		return Halt(contracts.NewErrorResponse(inv, contracts.KindUnauthorized, "payload rejected: not JSON")), nil
	}
	if err := schema.Validate(doc); err != nil {
		return Halt(contracts.NewErrorResponse(inv, contracts.KindUnauthorized, "payload rejected: "+err.Error())), nil
	}
	return Continue(), nil
}

func (v *SchemaValidator) PostInvoke(_ context.Context, _ *contracts.Invocation, resp *contracts.InvocationResponse) (*contracts.InvocationResponse, error) {
	return resp, nil
}
