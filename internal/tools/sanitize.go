// Package tools holds the SQL primitives shared by the CRUD engine and
// the filter/sort/auth compiler: dotted-path resolution across relations, the auth-clause builder, and the
// snake_case/camelCase sanitizer applied to every row before it reaches
// a client (spec.md §4.1).
package tools

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/featherbone/server/internal/core"
)

// Sanitize recursively converts row's snake_case keys to camelCase,
// drops keys beginning with "_" (internal columns like _pk), and parses
// any JSON-subtree string values back into structured JSON so arrays and
// objects round-trip as JSON rather than as escaped strings. Arrays are
// sanitized element-wise; plain strings pass through untouched.
func Sanitize(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[core.SnakeToCamel(k)] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	case []byte:
		return sanitizeRawJSON(t)
	case string:
		// a scalar "object"/"array" property round-trips through the
		// database as a JSON-encoded string; try to parse it back into
		// structured JSON, and fall back to the bare string otherwise.
		trimmed := strings.TrimSpace(t)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
			if parsed := sanitizeRawJSON([]byte(trimmed)); parsed != nil {
				return parsed
			}
		}
		return t
	default:
		return v
	}
}

func sanitizeRawJSON(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	switch t := v.(type) {
	case map[string]any:
		return Sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		return t
	}
}
