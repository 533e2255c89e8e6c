package workflow

import (
	"fmt"
	"strings"
)

// lookupPath walks a dotted path into a nested payload. A missing key or a
// non-map intermediate yields (nil, false) rather than an error.
func lookupPath(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// stringify renders a payload value the way it should appear in rendered
// templates and substring comparisons. nil renders as the empty string.
func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		// JSON numbers arrive as float64; keep whole values free of a
		// trailing ".0" so "{{patient.age}}" renders as "70".
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%v", v)
}
