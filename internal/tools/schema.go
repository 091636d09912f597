package tools

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/quarrylabs/quarry/internal/mcp"
)

// Schema is a structural input schema: a flat set of typed fields with
// constraints, validated at the dispatch boundary and rendered as JSON
// Schema for tools/list.
type Schema struct {
	Fields []Field
}

// Field is one typed argument.
type Field struct {
	Name        string
	Type        string // "string", "integer", "number", "boolean"
	Description string
	Required    bool
	Enum        []string
	Min, Max    *float64 // numeric bounds
	MaxLength   int      // string length bound, 0 = unbounded
	Default     any
}

func f64(v float64) *float64 { return &v }

// JSON renders the schema as a JSON Schema object.
func (s *Schema) JSON() json.RawMessage {
	props := make(map[string]any, len(s.Fields))
	var required []string
	for _, fld := range s.Fields {
		p := map[string]any{"type": fld.Type}
		if fld.Description != "" {
			p["description"] = fld.Description
		}
		if len(fld.Enum) > 0 {
			p["enum"] = fld.Enum
		}
		if fld.Min != nil {
			p["minimum"] = *fld.Min
		}
		if fld.Max != nil {
			p["maximum"] = *fld.Max
		}
		if fld.MaxLength > 0 {
			p["maxLength"] = fld.MaxLength
		}
		if fld.Default != nil {
			p["default"] = fld.Default
		}
		props[fld.Name] = p
		if fld.Required {
			required = append(required, fld.Name)
		}
	}

	obj := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		obj["required"] = required
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return out
}

// Validate checks raw arguments against the schema and returns the decoded
// argument map with defaults applied. Violations carry field-level detail.
func (s *Schema) Validate(raw json.RawMessage) (map[string]any, *mcp.RPCError) {
	args := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, invalidParams("", "arguments must be a JSON object")
		}
	}

	known := make(map[string]bool, len(s.Fields))
	for _, fld := range s.Fields {
		known[fld.Name] = true
		val, present := args[fld.Name]
		if !present {
			if fld.Required {
				return nil, invalidParams(fld.Name, "required field missing")
			}
			if fld.Default != nil {
				args[fld.Name] = fld.Default
			}
			continue
		}
		if err := fld.check(val); err != nil {
			return nil, err
		}
	}

	for name := range args {
		if !known[name] {
			return nil, invalidParams(name, "unknown field")
		}
	}
	return args, nil
}

func (fld *Field) check(val any) *mcp.RPCError {
	switch fld.Type {
	case "string":
		str, ok := val.(string)
		if !ok {
			return invalidParams(fld.Name, "expected string")
		}
		if fld.MaxLength > 0 && len(str) > fld.MaxLength {
			return invalidParams(fld.Name, fmt.Sprintf("exceeds max length %d", fld.MaxLength))
		}
		if len(fld.Enum) > 0 {
			ok := false
			for _, e := range fld.Enum {
				if str == e {
					ok = true
					break
				}
			}
			if !ok {
				return invalidParams(fld.Name, fmt.Sprintf("must be one of %v", fld.Enum))
			}
		}

	case "integer":
		num, ok := val.(float64)
		if !ok || num != math.Trunc(num) {
			return invalidParams(fld.Name, "expected integer")
		}
		return fld.checkBounds(num)

	case "number":
		num, ok := val.(float64)
		if !ok {
			return invalidParams(fld.Name, "expected number")
		}
		return fld.checkBounds(num)

	case "boolean":
		if _, ok := val.(bool); !ok {
			return invalidParams(fld.Name, "expected boolean")
		}
	}
	return nil
}

func (fld *Field) checkBounds(num float64) *mcp.RPCError {
	if fld.Min != nil && num < *fld.Min {
		return invalidParams(fld.Name, fmt.Sprintf("below minimum %v", *fld.Min))
	}
	if fld.Max != nil && num > *fld.Max {
		return invalidParams(fld.Name, fmt.Sprintf("above maximum %v", *fld.Max))
	}
	return nil
}

func invalidParams(field, detail string) *mcp.RPCError {
	msg := detail
	if field != "" {
		msg = field + ": " + detail
	}
	return &mcp.RPCError{
		Code:    mcp.CodeInvalidParams,
		Message: msg,
		Data:    &mcp.ErrorData{Kind: mcp.KindInvalidParams, Field: field, Detail: detail},
	}
}

// Argument accessors with defaults, used by handlers after Validate.

func argString(args map[string]any, name, def string) string {
	if v, ok := args[name].(string); ok {
		return v
	}
	return def
}

func argInt(args map[string]any, name string, def int) int {
	if v, ok := args[name].(float64); ok {
		return int(v)
	}
	if v, ok := args[name].(int); ok {
		return v
	}
	return def
}

func argBool(args map[string]any, name string, def bool) bool {
	if v, ok := args[name].(bool); ok {
		return v
	}
	return def
}

// MinifySchemas strips non-essential metadata from each tool's InputSchema
// to reduce context window consumption. Preserves type structure and
// constraints but removes property descriptions, defaults, and examples.
func MinifySchemas(list []mcp.Tool) []mcp.Tool {
	out := make([]mcp.Tool, len(list))
	for i, t := range list {
		out[i] = t
		if len(t.InputSchema) > 0 {
			out[i].InputSchema = minifySchema(t.InputSchema)
		}
	}
	return out
}

func minifySchema(raw json.RawMessage) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}

	delete(obj, "description")
	delete(obj, "examples")
	delete(obj, "title")
	delete(obj, "$schema")

	if props, ok := obj["properties"]; ok {
		obj["properties"] = minifyProperties(props)
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}

// keysToKeep is the set of property-level keys preserved by minification.
var keysToKeep = map[string]bool{
	"type": true, "properties": true, "required": true,
	"enum": true, "items": true, "const": true,
	"minimum": true, "maximum": true,
	"minLength": true, "maxLength": true, "pattern": true,
}

func minifyProperties(raw json.RawMessage) json.RawMessage {
	var props map[string]json.RawMessage
	if err := json.Unmarshal(raw, &props); err != nil {
		return raw
	}

	for name, propRaw := range props {
		var prop map[string]json.RawMessage
		if err := json.Unmarshal(propRaw, &prop); err != nil {
			continue
		}

		cleaned := make(map[string]json.RawMessage, len(prop))
		for k, v := range prop {
			if keysToKeep[k] {
				cleaned[k] = v
			}
		}
		if nested, ok := cleaned["properties"]; ok {
			cleaned["properties"] = minifyProperties(nested)
		}
		if items, ok := cleaned["items"]; ok {
			cleaned["items"] = minifySchema(items)
		}

		out, err := json.Marshal(cleaned)
		if err != nil {
			continue
		}
		props[name] = out
	}

	result, err := json.Marshal(props)
	if err != nil {
		return raw
	}
	return result
}
