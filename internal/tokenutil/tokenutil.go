// Package tokenutil estimates token counts for reply accounting. The
// relay never calls a model API itself, so a cheap heuristic is enough
// for metrics.
package tokenutil

import "strings"

// Estimate returns an approximate token count for text. English prose
// averages about 1.33 tokens per word; a length/4 floor covers code and
// scripts where whitespace splitting undercounts.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	byWords := int(float64(len(strings.Fields(text))) * 1.33)
	byLength := len(text) / 4
	if byWords > byLength {
		return byWords
	}
	return byLength
}
