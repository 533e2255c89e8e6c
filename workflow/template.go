package workflow

import "regexp"

// placeholderPattern matches {{ dotted.path }} with optional whitespace
// inside the braces.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// Substitute renders {{dotted.path}} placeholders in an action parameter
// string against the event payload. A placeholder whose path does not
// resolve is left verbatim so rule authors can spot typos in the produced
// notifications instead of getting silent blanks.
func Substitute(template string, data map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := lookupPath(data, path)
		if !ok || value == nil {
			return match
		}
		return stringify(value)
	})
}
