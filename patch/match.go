package patch

import "strings"

// matchKind names the rule that accepted a directive's target line, for
// debug logging.
type matchKind string

const (
	matchNone      matchKind = ""
	matchExact     matchKind = "exact"
	matchNormal    matchKind = "normalized"
	matchSubstring matchKind = "substring"
	matchKeyword   matchKind = "keyword"
)

const (
	keywordMinOldLen   = 10
	keywordMinTokenLen = 2
	keywordCount       = 3
)

// normalize collapses all whitespace runs to single spaces and trims.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// matchLine decides whether a replacement directive's expected old text
// matches the current line. Rules are tried in a fixed priority order and
// the first hit wins:
//
//  1. exact equality after stripping
//  2. whitespace-normalized equality
//  3. substring containment, either direction
//  4. keyword fallback: for substantial old text, the first three tokens
//     longer than two characters must all appear in the normalized line
func matchLine(old, current string) matchKind {
	oldStripped := strings.TrimSpace(old)
	curStripped := strings.TrimSpace(current)

	if oldStripped == curStripped {
		return matchExact
	}

	oldNorm := normalize(oldStripped)
	curNorm := normalize(curStripped)
	if oldNorm == curNorm {
		return matchNormal
	}

	if oldStripped != "" && curStripped != "" {
		if strings.Contains(curStripped, oldStripped) || strings.Contains(oldStripped, curStripped) {
			return matchSubstring
		}
	}

	if len(oldNorm) > keywordMinOldLen {
		keywords := significantTokens(oldNorm)
		if len(keywords) > keywordCount {
			keywords = keywords[:keywordCount]
		}
		if len(keywords) > 0 {
			all := true
			for _, kw := range keywords {
				if !strings.Contains(curNorm, kw) {
					all = false
					break
				}
			}
			if all {
				return matchKeyword
			}
		}
	}

	return matchNone
}

// deletionMatches applies the lenient containment rule used for deletions:
// the stripped target equals, contains, or is contained by the stripped
// expected text.
func deletionMatches(old, current string) bool {
	oldStripped := strings.TrimSpace(old)
	curStripped := strings.TrimSpace(current)
	if oldStripped == curStripped {
		return true
	}
	if oldStripped == "" || curStripped == "" {
		return false
	}
	return strings.Contains(current, oldStripped) || strings.Contains(oldStripped, curStripped)
}

func significantTokens(s string) []string {
	var out []string
	for _, w := range strings.Fields(s) {
		if len(w) > keywordMinTokenLen {
			out = append(out, w)
		}
	}
	return out
}
