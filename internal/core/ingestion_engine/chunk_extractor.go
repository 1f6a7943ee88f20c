package ingestion_engine

import (
	"strings"
)

// fragments splits extracted text into trimmed, non-empty lines.
func fragments(text string) []string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// budgetText joins leading fragments until maxTokens is reached. A single
// fragment larger than the remaining budget is cut on a rune boundary.
// The bool reports whether anything was dropped.
func budgetText(text string, maxTokens int) (string, bool) {
	frags := fragments(text)
	if maxTokens <= 0 {
		return strings.Join(frags, "\n"), false
	}

	var (
		buf    []string
		tokSum int
	)
	for _, frag := range frags {
		t := approxTokens(frag)
		if tokSum+t > maxTokens {
			if remain := maxTokens - tokSum; remain > 0 {
				r := []rune(frag)
				if n := remain * 4; n < len(r) {
					buf = append(buf, string(r[:n]))
				}
			}
			return strings.Join(buf, "\n"), true
		}
		buf = append(buf, frag)
		tokSum += t
	}
	return strings.Join(buf, "\n"), false
}

// approxTokens is a cheap token estimator (~4 chars ≈ 1 token).
func approxTokens(s string) int {
	n := len([]rune(s))
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
