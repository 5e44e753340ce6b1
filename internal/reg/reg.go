package reg

import (
	"regexp"
	"strings"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// Normalize converts a raw registration string into canonical form:
// uppercase with all whitespace removed, so "ab12 cde" becomes "AB12CDE".
func Normalize(raw string) string {
	return strings.ToUpper(whitespaceRe.ReplaceAllString(raw, ""))
}

// SplitList parses a comma-separated registration list as entered by the
// user. Each entry is normalized; empties are dropped and duplicates are
// removed while preserving the original order.
func SplitList(raw string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		r := Normalize(part)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
