package configutil

import (
	"errors"
	"sort"
	"strings"
)

// Schema lists the keys a vendor settings map accepts. Matching is case,
// underscore and hyphen insensitive, so api-key, API_KEY and apiKey all
// land on the same schema key.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// ValidateSettings checks a settings map against the schema and reports
// every problem at once: required keys that are absent or empty, keys the
// schema does not know, and pairs of spellings that collapse to the same
// canonical key.
func ValidateSettings(input map[string]any, schema Schema) error {
	type keyInfo struct {
		canonical string
		required  bool
	}
	known := make(map[string]keyInfo, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Required {
		known[normalizeKey(k)] = keyInfo{canonical: k, required: true}
	}
	for _, k := range schema.Optional {
		nk := normalizeKey(k)
		if _, ok := known[nk]; !ok {
			known[nk] = keyInfo{canonical: k}
		}
	}

	var missing, unknown, duplicate []string
	firstSeen := make(map[string]string, len(input))
	satisfied := make(map[string]bool)

	for k, v := range input {
		nk := normalizeKey(k)
		if prev, ok := firstSeen[nk]; ok {
			a, b := prev, k
			if a > b {
				a, b = b, a
			}
			duplicate = append(duplicate, a+"/"+b)
		} else {
			firstSeen[nk] = k
		}
		info, ok := known[nk]
		if !ok {
			if !schema.AllowUnknown {
				unknown = append(unknown, k)
			}
			continue
		}
		if info.required && !isEmptyValue(v) {
			satisfied[nk] = true
		}
	}
	for nk, info := range known {
		if info.required && !satisfied[nk] {
			missing = append(missing, info.canonical)
		}
	}

	if len(missing) == 0 && len(unknown) == 0 && len(duplicate) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	sort.Strings(duplicate)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	if len(duplicate) > 0 {
		parts = append(parts, "duplicate: "+strings.Join(duplicate, ", "))
	}
	return errors.New(strings.Join(parts, "; "))
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
