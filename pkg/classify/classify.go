// Package classify tags MIDI endpoints as wired or wireless from their display
// name. The result is a UX hint for troubleshooting; it never changes how
// messages are forwarded.
package classify

import (
	"strings"
	"unicode"
)

// wirelessKeywords are matched as plain substrings of the normalized name.
var wirelessKeywords = []string{
	"bluetooth",
	"wireless",
	"widi",
	"蓝牙",
	"藍牙",
	"无线",
	"無線",
	"ブルートゥース",
	"블루투스",
	"drahtlos",
	"sans fil",
	"inalámbrico",
	"senza fili",
	"bezprzewodow",
}

// Wireless reports whether name looks like a Bluetooth/wireless endpoint.
// Names present in exclusions (compared after Normalize) are always wired.
func Wireless(name string, exclusions []string) bool {
	n := Normalize(name)
	if n == "" {
		return false
	}
	for _, ex := range exclusions {
		if Normalize(ex) == n {
			return false
		}
	}
	for _, kw := range wirelessKeywords {
		if strings.Contains(n, kw) {
			return true
		}
	}
	if hasToken(n, "ble") {
		return true
	}
	if hasToken(n, "bt") {
		return true
	}
	return strings.HasPrefix(n, "bt ") || strings.HasPrefix(n, "bt-") ||
		strings.HasSuffix(n, " bt") || strings.HasSuffix(n, "-bt")
}

// Normalize lower-cases name, trims it and collapses runs of whitespace into
// a single space.
func Normalize(name string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(name), unicode.IsSpace), " ")
}

// DedupeExclusions returns exclusions with blanks removed and duplicates
// (compared case-insensitively) dropped, keeping first-seen order and
// spelling.
func DedupeExclusions(exclusions []string) []string {
	seen := make(map[string]struct{}, len(exclusions))
	out := make([]string, 0, len(exclusions))
	for _, ex := range exclusions {
		ex = strings.TrimSpace(ex)
		key := Normalize(ex)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ex)
	}
	return out
}

// hasToken reports whether tok occurs in s as a standalone token: preceded by
// the start of s, a space or a hyphen, and followed by the end of s, a space,
// a hyphen or a digit. This keeps "wavetable" and "cable" from matching "ble".
func hasToken(s, tok string) bool {
	for from := 0; from <= len(s)-len(tok); {
		i := strings.Index(s[from:], tok)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(tok)
		if leadingBoundary(s, start) && trailingBoundary(s, end) {
			return true
		}
		from = start + 1
	}
	return false
}

func leadingBoundary(s string, i int) bool {
	if i == 0 {
		return true
	}
	c := s[i-1]
	return c == ' ' || c == '-'
}

func trailingBoundary(s string, i int) bool {
	if i == len(s) {
		return true
	}
	c := s[i]
	return c == ' ' || c == '-' || (c >= '0' && c <= '9')
}
