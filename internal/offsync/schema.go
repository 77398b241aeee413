package offsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Built-in payload contracts per operation type. A payload that fails its
// schema is a permanent error: it would be rejected by the remote store on
// every attempt, so it never enters the queue.
var builtinSchemas = map[OperationType]string{
	OpSendMessage: `{
		"type": "object",
		"required": ["conversationId", "body"],
		"properties": {
			"conversationId": {"type": "string", "minLength": 1},
			"body": {"type": "string", "minLength": 1},
			"clientMessageId": {"type": "string"}
		}
	}`,
	OpDeleteMessage: `{
		"type": "object",
		"required": ["messageId"],
		"properties": {
			"messageId": {"type": "string", "minLength": 1}
		}
	}`,
	OpUpdateMessage: `{
		"type": "object",
		"required": ["messageId", "body"],
		"properties": {
			"messageId": {"type": "string", "minLength": 1},
			"body": {"type": "string", "minLength": 1}
		}
	}`,
}

// PayloadValidator validates operation payloads against per-type JSON
// schemas before they are enqueued.
type PayloadValidator struct {
	mu      sync.RWMutex
	schemas map[OperationType]*jsonschema.Schema
}

// NewPayloadValidator compiles the built-in schemas for the closed set of
// operation types.
func NewPayloadValidator() (*PayloadValidator, error) {
	v := &PayloadValidator{schemas: map[OperationType]*jsonschema.Schema{}}
	for opType, raw := range builtinSchemas {
		if err := v.Register(opType, []byte(raw)); err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", opType, err)
		}
	}
	return v, nil
}

// Register replaces the schema for an operation type. Embedders with custom
// payload contracts install theirs on top of the built-ins.
func (v *PayloadValidator) Register(opType OperationType, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("offsync://schemas/%s.json", strings.ReplaceAll(string(opType), "_", "-"))
	if err := compiler.AddResource(resource, doc); err != nil {
		return err
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[opType] = schema
	return nil
}

// Validate checks a payload against its type's schema. Types without a
// registered schema pass; callers gate the type set separately.
func (v *PayloadValidator) Validate(opType OperationType, payload json.RawMessage) error {
	v.mu.RLock()
	schema, ok := v.schemas[opType]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrInvalidInput, opType)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: payload is not valid JSON: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
