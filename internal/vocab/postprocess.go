package vocab

import (
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// Postprocess normalises recognised text: whitespace is dropped, an ellipsis
// becomes three dots, runs of two or more '・' or '.' become that many dots,
// and half-width characters are widened.
func Postprocess(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		if r == '…' {
			b.WriteString("...")
			continue
		}
		b.WriteRune(r)
	}
	return width.Widen.String(collapseDots(b.String()))
}

func collapseDots(s string) string {
	rs := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(rs); {
		j := i
		for j < len(rs) && (rs[j] == '・' || rs[j] == '.') {
			j++
		}
		if n := j - i; n >= 2 {
			b.WriteString(strings.Repeat(".", n))
			i = j
			continue
		}
		b.WriteRune(rs[i])
		i++
	}
	return b.String()
}
