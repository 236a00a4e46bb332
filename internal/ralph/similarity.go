package ralph

import "strings"

// Fuzzy matching for todo deduplication and completion phrases. The
// composite score averages Dice bigram overlap with normalized
// Levenshtein similarity; the merge threshold tightens for short items
// where a couple of edits change the meaning.

// diceCoefficient computes bigram overlap between two strings in [0,1].
func diceCoefficient(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		return 0
	}
	bigrams := make(map[string]int)
	for i := 0; i < len(a)-1; i++ {
		bigrams[a[i:i+2]]++
	}
	matches := 0
	for i := 0; i < len(b)-1; i++ {
		bg := b[i : i+2]
		if bigrams[bg] > 0 {
			bigrams[bg]--
			matches++
		}
	}
	return 2 * float64(matches) / float64(len(a)+len(b)-2)
}

// levenshtein computes edit distance with a two-row table.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// similarity is the Dice/Levenshtein composite in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	if longer == 0 {
		return 1
	}
	lev := 1 - float64(levenshtein(a, b))/float64(longer)
	return (diceCoefficient(a, b) + lev) / 2
}

// mergeThreshold returns the similarity bar for deduplication,
// tiered by the shorter content length.
func mergeThreshold(a, b string) float64 {
	shorter := len(a)
	if len(b) < shorter {
		shorter = len(b)
	}
	switch {
	case shorter < 20:
		return 0.95
	case shorter < 60:
		return 0.90
	default:
		return 0.85
	}
}

// shouldMerge reports whether two normalized todo contents are the same task.
func shouldMerge(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	return similarity(la, lb) >= mergeThreshold(la, lb)
}

// normalizeContent folds whitespace runs to single spaces and trims.
func normalizeContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// fuzzyPhraseEqual compares completion phrases after upper-casing,
// tolerating up to two edits.
func fuzzyPhraseEqual(a, b string) bool {
	ua, ub := strings.ToUpper(a), strings.ToUpper(b)
	if ua == ub {
		return true
	}
	diff := len(ua) - len(ub)
	if diff < -2 || diff > 2 {
		return false
	}
	return levenshtein(ua, ub) <= 2
}

// fuzzyContains reports whether text contains phrase within two edits,
// scanning windows of phrase length plus or minus two.
func fuzzyContains(text, phrase string) bool {
	ut, up := strings.ToUpper(text), strings.ToUpper(phrase)
	if strings.Contains(ut, up) {
		return true
	}
	rt := []rune(ut)
	rp := []rune(up)
	for width := len(rp) - 2; width <= len(rp)+2; width++ {
		if width <= 0 || width > len(rt) {
			continue
		}
		for i := 0; i+width <= len(rt); i++ {
			if levenshtein(string(rt[i:i+width]), up) <= 2 {
				return true
			}
		}
	}
	return false
}
