// Package fuzzy provides the string similarity scoring shared by schema
// drift suggestions and entity resolution.
package fuzzy

import "math"

// Ratio returns a similarity in [0, 1] computed from the longest common
// subsequence: 2·LCS / (len(a) + len(b)). Identical strings score 1,
// disjoint strings 0.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	return 2 * float64(lcsLength(ra, rb)) / float64(len(ra)+len(rb))
}

// Score is Ratio on a rounded 0–100 scale.
func Score(a, b string) int {
	return int(math.Round(Ratio(a, b) * 100))
}

func lcsLength(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				curr[j] = prev[j-1] + 1
			case prev[j] >= curr[j-1]:
				curr[j] = prev[j]
			default:
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
