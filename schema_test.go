package brains

import (
	"encoding/json"
	"testing"
)

func TestValidateSchemaEmptyAcceptsEverything(t *testing.T) {
	if err := ValidateSchema(nil, State{"anything": true}); err != nil {
		t.Errorf("nil schema: %v", err)
	}
	if err := ValidateSchema(json.RawMessage(``), 42); err != nil {
		t.Errorf("empty schema: %v", err)
	}
}

func TestValidateSchemaObject(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string"},
			"count": {"type": "integer", "minimum": 1}
		}
	}`)

	cases := []struct {
		name    string
		value   any
		wantErr bool
	}{
		{"valid", State{"name": "a", "count": 2}, false},
		{"missing required", State{"count": 2}, true},
		{"wrong type", State{"name": 7}, true},
		{"below minimum", State{"name": "a", "count": 0}, true},
		// Go ints must validate against "integer" after normalization.
		{"native int", State{"name": "a", "count": int(3)}, false},
		{"nil treated as empty object", nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSchema(schema, tc.value)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateSchema = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateSchemaMalformedSchema(t *testing.T) {
	if err := ValidateSchema(json.RawMessage(`{"type":`), State{}); err == nil {
		t.Error("malformed schema accepted")
	}
	if err := ValidateSchema(json.RawMessage(`{"type":"nope"}`), State{}); err == nil {
		t.Error("invalid schema keyword accepted")
	}
}

func TestValidateSchemaRawPayload(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["approved"],"properties":{"approved":{"type":"boolean"}}}`)

	var ok, bad any
	if err := json.Unmarshal([]byte(`{"approved":true}`), &ok); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"approved":"yes"}`), &bad); err != nil {
		t.Fatal(err)
	}
	if err := ValidateSchema(schema, ok); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}
	if err := ValidateSchema(schema, bad); err == nil {
		t.Error("invalid payload accepted")
	}
}
