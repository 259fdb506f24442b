package wake

import "github.com/antzucaro/matchr"

// matcher compares words phonetically. It is read-only after construction.
type matcher struct {
	threshold float64
}

func newMatcher(threshold float64) *matcher {
	return &matcher{threshold: threshold}
}

// matchTokens reports whether heard and want have the same length and match
// word by word.
func (m *matcher) matchTokens(heard, want []string) bool {
	if len(heard) != len(want) {
		return false
	}
	for i := range want {
		if !m.matchWord(heard[i], want[i]) {
			return false
		}
	}
	return true
}

// matchWord accepts equal words, or words whose Double Metaphone codes
// intersect with a Jaro-Winkler score of at least the threshold.
func (m *matcher) matchWord(heard, want string) bool {
	if heard == want {
		return true
	}
	if m.threshold >= 1 {
		return false
	}
	if !codesOverlap(codes(heard), codes(want)) {
		return false
	}
	return matchr.JaroWinkler(heard, want, false) >= m.threshold
}

// codes returns the non-empty Double Metaphone codes of word.
func codes(word string) []string {
	p, s := matchr.DoubleMetaphone(word)
	out := make([]string, 0, 2)
	if p != "" {
		out = append(out, p)
	}
	if s != "" && s != p {
		out = append(out, s)
	}
	return out
}

func codesOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
