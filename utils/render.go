package utils

import (
	"regexp"
	"strings"
)

// Merge-field keys derived for every recipient. Callers may override any of
// them through request-level merge fields.
const (
	MergeFieldUsername = "username"
	MergeFieldFullName = "fullName"
	MergeFieldProperty = "propertyName"
	MergeFieldUnit     = "unitName"
)

var mergeFieldRx = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// RenderTemplate substitutes every {{key}} placeholder in body using the
// given variables. Key matching is case-insensitive. Placeholders with no
// matching variable are left verbatim rather than treated as an error.
// Identical (body, vars) input always yields identical output.
func RenderTemplate(body string, vars map[string]string) string {
	if len(vars) == 0 {
		return body
	}

	lookup := make(map[string]string, len(vars))
	for k, v := range vars {
		lookup[strings.ToLower(k)] = v
	}

	return mergeFieldRx.ReplaceAllStringFunc(body, func(match string) string {
		key := strings.ToLower(mergeFieldRx.FindStringSubmatch(match)[1])
		if value, ok := lookup[key]; ok {
			return value
		}
		return match
	})
}

// MergeVars layers caller-supplied merge fields over per-recipient derived
// variables. On a key collision (compared case-insensitively) the caller
// wins.
func MergeVars(derived, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(derived)+len(overrides))
	for k, v := range derived {
		merged[k] = v
	}
	for k, v := range overrides {
		for existing := range merged {
			if strings.EqualFold(existing, k) {
				delete(merged, existing)
			}
		}
		merged[k] = v
	}
	return merged
}
