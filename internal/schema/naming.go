package schema

import (
	"strings"
	"unicode"
)

// propertyName derives the logical property name of a Go field: the name with
// its leading upper-case run lowered ("Username" → "username", "ID" → "id",
// "URLPath" → "urlPath").
func propertyName(goName string) string {
	runes := []rune(goName)
	n := 0
	for n < len(runes) && unicode.IsUpper(runes[n]) {
		n++
	}
	switch {
	case n == 0:
		return goName
	case n == len(runes):
		return strings.ToLower(goName)
	case n > 1:
		// keep the last upper-case rune: it starts the next word
		n--
	}
	for i := 0; i < n; i++ {
		runes[i] = unicode.ToLower(runes[i])
	}
	return string(runes)
}

// parseTag splits a db tag into column name and options.
func parseTag(tag string) (string, map[string]bool) {
	parts := strings.Split(tag, ",")
	opts := make(map[string]bool, len(parts)-1)
	for _, p := range parts[1:] {
		if p = strings.TrimSpace(p); p != "" {
			opts[p] = true
		}
	}
	return strings.TrimSpace(parts[0]), opts
}
