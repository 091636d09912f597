package tools

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/quarrylabs/quarry/internal/mcp"
)

func testSchema() *Schema {
	return &Schema{Fields: []Field{
		{Name: "query", Type: "string", Required: true, MaxLength: 10},
		{Name: "num", Type: "integer", Min: f64(1), Max: f64(10), Default: 3},
		{Name: "ratio", Type: "number"},
		{Name: "flag", Type: "boolean", Default: true},
		{Name: "mode", Type: "string", Enum: []string{"full", "preview"}},
	}}
}

func TestSchemaValidate(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string // "" means accepted
	}{
		{"ok", `{"query":"x","num":5}`, ""},
		{"missing required", `{"num":5}`, "query"},
		{"wrong type", `{"query":42}`, "query"},
		{"too long", `{"query":"aaaaaaaaaaaaaaa"}`, "query"},
		{"below min", `{"query":"x","num":0}`, "num"},
		{"above max", `{"query":"x","num":11}`, "num"},
		{"non-integer", `{"query":"x","num":2.5}`, "num"},
		{"bad enum", `{"query":"x","mode":"fast"}`, "mode"},
		{"good enum", `{"query":"x","mode":"preview"}`, ""},
		{"bad bool", `{"query":"x","flag":"yes"}`, "flag"},
		{"unknown field", `{"query":"x","bogus":1}`, "bogus"},
	}

	s := testSchema()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rpcErr := s.Validate(json.RawMessage(tt.raw))
			if tt.field == "" {
				if rpcErr != nil {
					t.Fatalf("Validate(%s) = %v; want accept", tt.raw, rpcErr)
				}
				return
			}
			if rpcErr == nil {
				t.Fatalf("Validate(%s) accepted; want violation on %q", tt.raw, tt.field)
			}
			if rpcErr.Code != mcp.CodeInvalidParams {
				t.Errorf("code = %d; want %d", rpcErr.Code, mcp.CodeInvalidParams)
			}
			if rpcErr.Data == nil || rpcErr.Data.Field != tt.field {
				t.Errorf("field = %+v; want %q", rpcErr.Data, tt.field)
			}
		})
	}
}

func TestSchemaDefaults(t *testing.T) {
	args, rpcErr := testSchema().Validate(json.RawMessage(`{"query":"x"}`))
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	if got := args["num"]; got != 3 {
		t.Errorf("num default = %v; want 3", got)
	}
	if got := args["flag"]; got != true {
		t.Errorf("flag default = %v; want true", got)
	}
}

func TestSchemaJSON(t *testing.T) {
	raw := testSchema().JSON()

	var obj struct {
		Type       string                    `json:"type"`
		Required   []string                  `json:"required"`
		Properties map[string]map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("schema JSON invalid: %v", err)
	}
	if obj.Type != "object" {
		t.Errorf("type = %q", obj.Type)
	}
	if len(obj.Required) != 1 || obj.Required[0] != "query" {
		t.Errorf("required = %v", obj.Required)
	}
	if obj.Properties["num"]["minimum"] != float64(1) {
		t.Errorf("num.minimum = %v", obj.Properties["num"]["minimum"])
	}
}

func TestMinifySchemas(t *testing.T) {
	tool := mcp.Tool{
		Name: "t",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"description": "top",
			"properties": {
				"q": {"type": "string", "description": "noisy", "default": "x", "maxLength": 5}
			}
		}`),
	}

	out := MinifySchemas([]mcp.Tool{tool})
	slim := string(out[0].InputSchema)
	if strings.Contains(slim, "noisy") || strings.Contains(slim, "top") {
		t.Errorf("descriptions survived minification: %s", slim)
	}
	if !strings.Contains(slim, "maxLength") {
		t.Errorf("constraints dropped: %s", slim)
	}
}
