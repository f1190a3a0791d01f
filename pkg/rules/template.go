package rules

import (
	"regexp"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Expand substitutes {{field}} placeholders. A field that is missing or empty
// is an error.
func Expand(template string, fields map[string]string) (string, error) {
	var missing string
	expanded := placeholder.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		value := fields[name]
		if value == "" && missing == "" {
			missing = name
		}
		return value
	})
	if missing != "" {
		return "", errors.NewValidationError("unresolved template field: "+missing, nil).WithContext("template", template)
	}
	return expanded, nil
}

// Placeholders lists the distinct field names referenced by template, in order
// of first appearance.
func Placeholders(template string) []string {
	var names []string
	seen := map[string]bool{}
	for _, match := range placeholder.FindAllStringSubmatch(template, -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			names = append(names, match[1])
		}
	}
	return names
}
