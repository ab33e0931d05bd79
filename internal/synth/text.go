package synth

import (
	"strings"
	"unicode"
)

// CleanText prepares unit text for synthesis: control characters are
// stripped and runs of whitespace collapse to a single space. Providers
// handle punctuation and casing themselves.
func CleanText(text string) string {
	var builder strings.Builder

	builder.Grow(len(text))

	lastWasSpace := false

	for _, r := range text {
		// Whitespace wins over the control check: newline and tab are both,
		// and they must collapse to a space, not vanish.
		if unicode.IsSpace(r) {
			if !lastWasSpace {
				builder.WriteRune(' ')
			}

			lastWasSpace = true

			continue
		}

		if unicode.IsControl(r) {
			continue
		}

		builder.WriteRune(r)

		lastWasSpace = false
	}

	return strings.TrimSpace(builder.String())
}
