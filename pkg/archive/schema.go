package archive

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// PayloadValidator checks event payloads against a JSON Schema
type PayloadValidator struct {
	schema *jsonschema.Schema
}

// NewPayloadValidator compiles the schema file
func NewPayloadValidator(path string) (*PayloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	schema, err := compiler.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", path, err)
	}
	return &PayloadValidator{schema: schema}, nil
}

// Validate decodes the payload and validates it
func (v *PayloadValidator) Validate(payload []byte) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
