// Package payloadschema validates the engine-specific payload attached to
// raw search results. The payload is a versioned scalar map; extraction
// code checks field presence through the accessors instead of type
// asserting ad hoc.
package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed raw_result.schema.json
var rawResultSchemaJSON string

type RawPayload struct {
	PayloadVersion string         `json:"payload_version"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// StringField returns the named field when present and string-valued.
func (p *RawPayload) StringField(name string) (string, bool) {
	if p == nil || len(p.Fields) == 0 {
		return "", false
	}
	raw, ok := p.Fields[name]
	if !ok {
		return "", false
	}
	value, ok := raw.(string)
	if !ok {
		return "", false
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

// BoolField returns the named field when present and boolean-valued.
func (p *RawPayload) BoolField(name string) (bool, bool) {
	if p == nil || len(p.Fields) == 0 {
		return false, false
	}
	raw, ok := p.Fields[name]
	if !ok {
		return false, false
	}
	value, ok := raw.(bool)
	return value, ok
}

// ValidateRawPayload parses and schema-checks a raw result payload.
func ValidateRawPayload(payload json.RawMessage) (*RawPayload, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize payload JSON: %w", err)
	}

	var parsed RawPayload
	if err := json.Unmarshal(normalized, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	if strings.TrimSpace(parsed.PayloadVersion) != "v1" {
		return nil, fmt.Errorf("payload_version must be v1")
	}

	return &parsed, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource("raw_result.schema.json", strings.NewReader(rawResultSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("raw_result.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}
