package transcode

import "strings"

// EstimateTokens approximates the token count of a text when the upstream
// does not report usage. CJK characters count one token each. The non-CJK
// remainder counts one token per whitespace word, except for structured
// text (code, JSON, markup) which is denser and counts roughly one token
// per 3.5 characters.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	var cjk int
	var rest strings.Builder
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
			continue
		}
		rest.WriteRune(r)
	}
	remainder := rest.String()

	structured := strings.ContainsAny(text, "{[<") ||
		strings.Contains(text, "def ") ||
		strings.Contains(text, "function")

	var other int
	if structured {
		other = int(float64(len([]rune(remainder))) / 3.5)
		if other < 1 {
			other = 1
		}
	} else {
		other = len(strings.Fields(remainder))
	}
	return cjk + other
}

// EstimateMessageTokens sums the estimator over the string contents of an
// outgoing message list. Used to seed input_tokens before the upstream call;
// a positive upstream usage report overwrites it later.
func EstimateMessageTokens(messages []map[string]any) int {
	total := 0
	for _, msg := range messages {
		if content, ok := msg["content"].(string); ok {
			total += EstimateTokens(content)
		}
	}
	return total
}
