// Package textutil provides the whitespace cleanup and truncation helpers
// shared by the case loader, chunker, and search.
package textutil

import (
	"fmt"
	"strings"
)

// Ellipsis is appended to truncated text.
const Ellipsis = "..."

// Clean converts value to its string form, collapses every run of whitespace
// into a single space, and trims both ends. A nil value yields "".
func Clean(value interface{}) string {
	var text string
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		text = v
	case []byte:
		text = string(v)
	case fmt.Stringer:
		text = v.String()
	default:
		text = fmt.Sprint(v)
	}
	return strings.Join(strings.Fields(text), " ")
}

// Truncate returns text unchanged when it has at most maxLen characters.
// Longer text is cut to maxLen-3 characters, stripped of trailing whitespace,
// and suffixed with an ellipsis. For maxLen <= 3 the first maxLen characters
// are returned without an ellipsis.
func Truncate(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	if maxLen <= 0 {
		return ""
	}
	if maxLen <= len(Ellipsis) {
		return string(runes[:maxLen])
	}
	head := strings.TrimRight(string(runes[:maxLen-len(Ellipsis)]), " \t\r\n\v\f")
	return head + Ellipsis
}
