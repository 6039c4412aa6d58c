package channels

import "strings"

// MaxMessageRunes is the outbound chunk size shared by all adapters.
const MaxMessageRunes = 2000

// SplitMessage chunks text to at most limit runes per piece, preferring
// a newline break, then a space, then a hard cut. Chunk boundaries are
// trimmed so no piece starts or ends with stray whitespace.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageRunes
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= limit {
			if chunk := strings.TrimSpace(string(runes)); chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}
		window := runes[:limit]
		cut := lastIndexRune(window, '\n')
		if cut <= 0 {
			cut = lastIndexRune(window, ' ')
		}
		if cut <= 0 {
			cut = limit
		}
		if chunk := strings.TrimSpace(string(runes[:cut])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[cut:]
		for len(runes) > 0 && (runes[0] == '\n' || runes[0] == ' ') {
			runes = runes[1:]
		}
	}
	return chunks
}

func lastIndexRune(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}
