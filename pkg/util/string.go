package util

import (
	"strings"
	"unicode/utf8"
)

// NormalizeHandle turns a user supplied account handle into the ledger key:
// surrounding whitespace and any leading "@" removed, lowercased.
func NormalizeHandle(handle string) string {
	handle = strings.TrimSpace(handle)
	handle = strings.TrimLeft(handle, "@")
	return strings.ToLower(strings.TrimSpace(handle))
}

// ParseCSV parses a comma separated list into trimmed, non-empty items
func ParseCSV(s string) []string {
	if s == "" {
		return []string{}
	}

	// Remove brackets if present
	s = strings.Trim(s, "[]")

	items := strings.Split(s, ",")
	var clean []string

	for _, item := range items {
		item = strings.TrimSpace(item)
		item = strings.Trim(item, "\"'")
		if item != "" {
			clean = append(clean, item)
		}
	}

	return clean
}

// ParseHandles parses a comma separated account list, normalizing and
// de-duplicating while keeping the first occurrence order.
func ParseHandles(s string) []string {
	seen := make(map[string]struct{})
	var handles []string
	for _, item := range ParseCSV(s) {
		h := NormalizeHandle(item)
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		handles = append(handles, h)
	}
	return handles
}

// Truncate shortens s to at most max runes, appending "..." when cut
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
