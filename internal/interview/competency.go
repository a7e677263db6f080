package interview

import (
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// Jaro-Winkler acceptance thresholds for competency matching. A phonetic
// candidate (Double Metaphone overlap) is accepted at the lower score; a
// purely string-similar candidate needs the higher one.
const (
	competencyPhoneticThreshold = 0.70
	competencyFuzzyThreshold    = 0.85
)

// CompetencyTracker maintains the job's focus areas as two disjoint sets:
// still to cover and already covered. Moves are one-way and idempotent —
// once a competency is covered it never returns to the open set.
//
// The turn engine reports covered competencies as free-form text
// ("Problem Solving") that rarely matches the requirement name
// ("problem-solving") byte for byte, so [CompetencyTracker.MarkCovered]
// resolves names the same way the transcript corrector resolves misheard
// entities: exact match after separator normalization, then Double Metaphone
// candidate filtering ranked by Jaro-Winkler similarity, then a pure
// Jaro-Winkler pass at a stricter threshold.
//
// All methods are safe for concurrent use.
type CompetencyTracker struct {
	mu sync.Mutex

	// order preserves requirement declaration order for stable reporting.
	order   []string
	covered map[string]bool
}

// NewCompetencyTracker builds a tracker over the given requirement names.
// Blank and duplicate names are dropped.
func NewCompetencyTracker(requirements []string) *CompetencyTracker {
	t := &CompetencyTracker{covered: make(map[string]bool, len(requirements))}
	seen := make(map[string]struct{}, len(requirements))
	for _, r := range requirements {
		if strings.TrimSpace(r) == "" {
			continue
		}
		key := normalizeCompetency(r)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		t.order = append(t.order, r)
		t.covered[r] = false
	}
	return t
}

// MarkCovered resolves name against the requirement list and moves the match
// into the covered set. It returns the matched requirement name and whether
// this call performed the move; a second report for the same requirement
// returns (name, false), and an unresolvable name returns ("", false).
func (t *CompetencyTracker) MarkCovered(name string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	match := t.resolveLocked(name)
	if match == "" {
		return "", false
	}
	if t.covered[match] {
		return match, false
	}
	t.covered[match] = true
	return match, true
}

// Covered returns the covered requirements in declaration order.
func (t *CompetencyTracker) Covered() []string {
	return t.filtered(true)
}

// Remaining returns the not-yet-covered requirements in declaration order.
func (t *CompetencyTracker) Remaining() []string {
	return t.filtered(false)
}

// AllCovered reports whether every requirement has been covered. A tracker
// with no requirements reports true.
func (t *CompetencyTracker) AllCovered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.order {
		if !t.covered[r] {
			return false
		}
	}
	return true
}

func (t *CompetencyTracker) filtered(covered bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.order))
	for _, r := range t.order {
		if t.covered[r] == covered {
			out = append(out, r)
		}
	}
	return out
}

// resolveLocked maps a free-form competency name onto a requirement.
// Matching runs against the full requirement list, not just the open set, so
// a repeated report resolves to the same requirement instead of drifting onto
// a phonetically similar open one.
func (t *CompetencyTracker) resolveLocked(name string) string {
	input := normalizeCompetency(name)
	if input == "" {
		return ""
	}

	// Exact match after normalization short-circuits the fuzzy passes.
	for _, r := range t.order {
		if normalizeCompetency(r) == input {
			return r
		}
	}

	inputTokens := strings.Fields(input)
	inputCodes := metaphoneCodes(inputTokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, r := range t.order {
		req := normalizeCompetency(r)
		reqTokens := strings.Fields(req)

		phonetic := codesOverlap(inputCodes, metaphoneCodes(reqTokens))
		score := bestSimilarity(inputTokens, reqTokens, input, req)

		if phonetic {
			if score >= competencyPhoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = r, score, true
			}
		} else if !bestPhonetic && score >= competencyFuzzyThreshold && score > bestScore {
			best, bestScore = r, score
		}
	}
	return best
}

// normalizeCompetency lowercases a name and folds the separator styles seen
// in requirement lists (kebab-case, snake_case, slashes) into single spaces.
func normalizeCompetency(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.NewReplacer("-", " ", "_", " ", "/", " ", "&", " and ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// metaphoneCodes returns the union of Double Metaphone codes for the tokens,
// excluding empty codes.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, tok := range tokens {
		p, s := matchr.DoubleMetaphone(tok)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestSimilarity is the highest Jaro-Winkler score across three comparisons:
// the full strings, the strings with spaces stripped (catches "frontend" vs
// "front end"), and the best pairwise token score.
func bestSimilarity(aTokens, bTokens []string, aFull, bFull string) float64 {
	score := matchr.JaroWinkler(aFull, bFull, false)

	if len(aTokens) > 1 || len(bTokens) > 1 {
		joined := matchr.JaroWinkler(strings.Join(aTokens, ""), strings.Join(bTokens, ""), false)
		if joined > score {
			score = joined
		}
	}

	for _, at := range aTokens {
		for _, bt := range bTokens {
			if s := matchr.JaroWinkler(at, bt, false); s > score {
				score = s
			}
		}
	}
	return score
}
