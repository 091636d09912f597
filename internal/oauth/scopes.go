package oauth

import (
	"net/http"
	"strings"
)

// Scope naming:
//
//	mcp:tool:<name>:execute — execute a specific tool
//	mcp:admin:<resource>:<action> — a specific admin operation
//
// The composite scope "mcp:tool" covers every mcp:tool:*:execute scope and
// "mcp:admin" covers every mcp:admin:* scope.

// ToolScope returns the execute scope for a tool name.
func ToolScope(tool string) string {
	return "mcp:tool:" + tool + ":execute"
}

// AdminScope returns the scope for an admin resource/action pair.
func AdminScope(resource, action string) string {
	return "mcp:admin:" + resource + ":" + action
}

// Covers reports whether a granted scope satisfies a required one, either
// literally or via a composite.
func Covers(granted, required string) bool {
	if granted == required {
		return true
	}
	switch granted {
	case "mcp:admin":
		return strings.HasPrefix(required, "mcp:admin:")
	case "mcp:tool":
		return strings.HasPrefix(required, "mcp:tool:") && strings.HasSuffix(required, ":execute")
	}
	return false
}

// HasScope reports whether any of the token's scopes covers required.
// A nil token (validation disabled) grants everything.
func (t *Token) HasScope(required string) bool {
	if t == nil {
		return true
	}
	for _, granted := range t.Scopes {
		if Covers(granted, required) {
			return true
		}
	}
	return false
}

// RequireScopes checks every required scope and returns an
// insufficient_scope error naming the missing ones.
func (t *Token) RequireScopes(required ...string) *AuthError {
	var missing []string
	for _, scope := range required {
		if !t.HasScope(scope) {
			missing = append(missing, scope)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &AuthError{
		Status:      http.StatusForbidden,
		Code:        "insufficient_scope",
		Description: "token missing required scope",
		Scope:       strings.Join(missing, " "),
	}
}
