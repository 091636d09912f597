package audit

import (
	"encoding/json"
	"strings"
)

const redactedValue = "[REDACTED]"

// sensitiveKeys are key substrings whose values are always masked.
var sensitiveKeys = []string{
	"token",
	"apikey",
	"api_key",
	"secret",
	"password",
	"authorization",
	"cookie",
	"credential",
}

// Redact masks sensitive values in a JSON document before it is logged or
// stored. Keys are matched case-insensitively against the built-in list and
// the caller's extra hints; objects and arrays are walked recursively.
// Non-object input and unparseable input pass through unchanged. Redact is
// idempotent.
func Redact(msg json.RawMessage, hints []string) json.RawMessage {
	if len(msg) == 0 {
		return msg
	}

	var doc any
	if err := json.Unmarshal(msg, &doc); err != nil {
		return msg
	}
	if !maskValues(doc, hints) {
		return msg
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return msg
	}
	return out
}

// maskValues walks doc in place and reports whether anything was masked.
func maskValues(doc any, hints []string) bool {
	changed := false
	switch v := doc.(type) {
	case map[string]any:
		for key, val := range v {
			if isSensitiveKey(key, hints) {
				if val != redactedValue {
					v[key] = redactedValue
					changed = true
				}
				continue
			}
			if maskValues(val, hints) {
				changed = true
			}
		}
	case []any:
		for _, item := range v {
			if maskValues(item, hints) {
				changed = true
			}
		}
	}
	return changed
}

func isSensitiveKey(key string, hints []string) bool {
	lower := strings.ToLower(key)
	for _, sub := range sensitiveKeys {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	for _, hint := range hints {
		if strings.Contains(lower, strings.ToLower(hint)) {
			return true
		}
	}
	return false
}
