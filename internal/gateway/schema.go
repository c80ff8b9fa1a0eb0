package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// IntentValidator optionally validates a propose() payload's action_type
// and content against a JSON Schema loaded from disk. When no schema path
// is configured, Validate always passes — intent_payload stays schemaless
// by default.
type IntentValidator struct {
	schema *jsonschema.Schema
}

// NewIntentValidator compiles the schema at path, or returns a no-op
// validator if path is empty.
func NewIntentValidator(path string) (*IntentValidator, error) {
	if path == "" {
		return &IntentValidator{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gateway: read intent schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	const resourceURL = "https://gavel.dev/schemas/intent-payload.json"
	if err := compiler.AddResource(resourceURL, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("gateway: load intent schema: %w", err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: compile intent schema: %w", err)
	}
	return &IntentValidator{schema: compiled}, nil
}

// Validate checks payload against the configured schema, if any.
func (v *IntentValidator) Validate(payload map[string]interface{}) error {
	if v.schema == nil {
		return nil
	}
	// jsonschema validates against decoded JSON values; round-tripping
	// through json.Marshal/Unmarshal normalizes numeric types the way the
	// compiled schema expects (json.Number vs float64 mismatches).
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("gateway: marshal intent payload: %w", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("gateway: unmarshal intent payload: %w", err)
	}
	return v.schema.Validate(decoded)
}
