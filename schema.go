package brains

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateSchema checks a decoded JSON value against a JSON schema. An
// empty schema accepts everything. Used for run options, webhook payloads,
// and page form submissions.
func ValidateSchema(schema json.RawMessage, value any) error {
	if len(schema) == 0 {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	// Round-trip so Go-native values (ints, structs) take the decoded JSON
	// shapes the validator expects.
	normalized, err := normalizeJSONValue(value)
	if err != nil {
		return err
	}
	if err := compiled.Validate(normalized); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	return nil
}

func normalizeJSONValue(v any) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}
