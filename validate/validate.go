// Package validate checks that JSON input has the delta wire shape before it
// reaches the delta package, which accepts anything it is handed.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates delta documents and op lists against the delta schema.
type Validator struct {
	document *jsonschema.Schema
	ops      *jsonschema.Schema
}

// New compiles the delta schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, strings.NewReader(deltaSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	document, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile document schema: %w", err)
	}
	ops, err := compiler.Compile(schemaURL + "#/$defs/ops")
	if err != nil {
		return nil, fmt.Errorf("compile ops schema: %w", err)
	}
	return &Validator{document: document, ops: ops}, nil
}

// Document validates a {"ops": [...]} document.
func (v *Validator) Document(raw []byte) error {
	return validate(v.document, raw)
}

// Ops validates a bare list of ops.
func (v *Validator) Ops(raw []byte) error {
	return validate(v.ops, raw)
}

func validate(schema *jsonschema.Schema, raw []byte) error {
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("invalid delta: %w", err)
	}
	return nil
}
