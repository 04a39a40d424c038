// Package chunk splits long replies into ordered segments that fit the
// messaging platform's per-message size bound.
package chunk

import "unicode"

// DefaultLimit is the maximum segment length in runes. Telegram caps
// messages at 4096 characters; 4000 leaves headroom for formatting.
const DefaultLimit = 4000

// Split breaks text into ordered segments of at most limit runes each.
// Splits land on the last whitespace boundary inside the window when one
// exists; the boundary whitespace itself is consumed. A window with no
// whitespace is cut hard mid-word. Input within the limit comes back as a
// single segment, so the result is never empty.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultLimit
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	segs := make([]string, 0, len(runes)/limit+1)
	for len(runes) > limit {
		cut, skip := limit, 0
		for i := limit; i >= 1; i-- {
			if unicode.IsSpace(runes[i]) {
				cut, skip = i, 1
				break
			}
		}
		segs = append(segs, string(runes[:cut]))
		runes = runes[cut+skip:]
	}
	if len(runes) > 0 {
		segs = append(segs, string(runes))
	}
	return segs
}
