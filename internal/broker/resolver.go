package broker

import (
	"sort"
	"strings"

	"tradegate/internal/errs"
	"tradegate/pkg/types"
)

// FuzzyThreshold is the minimum similarity score for a search candidate.
const FuzzyThreshold = 0.95

// Similarity scores how well query matches a symbol or name, in [0,1].
// Exact match scores 1; a prefix or substring match clears the fuzzy
// threshold; otherwise the score is normalized edit distance.
func Similarity(query, target string) float64 {
	q := strings.ToUpper(strings.TrimSpace(query))
	t := strings.ToUpper(strings.TrimSpace(target))
	if q == "" || t == "" {
		return 0
	}
	if q == t {
		return 1
	}
	if strings.HasPrefix(t, q) {
		// Longer shared prefixes score closer to exact.
		return FuzzyThreshold + (1-FuzzyThreshold)*float64(len(q))/float64(len(t))
	}
	if strings.Contains(t, q) {
		return FuzzyThreshold
	}
	dist := levenshtein(q, t)
	max := len(q)
	if len(t) > max {
		max = len(t)
	}
	return 1 - float64(dist)/float64(max)
}

func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
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

// searchCatalog runs a fuzzy search over a static candidate table,
// filtering, scoring, and sorting best-first. An empty query matches
// everything (wildcard).
func searchCatalog(catalog []types.Candidate, query string, filters SearchFilters) []types.Candidate {
	var out []types.Candidate
	for _, c := range catalog {
		if filters.Type != "" && c.Instrument.Type != filters.Type {
			continue
		}
		if filters.Exchange != "" && c.Instrument.Exchange != filters.Exchange {
			continue
		}
		if filters.Currency != "" && c.Instrument.Currency != filters.Currency {
			continue
		}
		score := 1.0
		if query != "" {
			score = Similarity(query, c.Instrument.Symbol)
			if nameScore := Similarity(query, c.Name); nameScore > score {
				score = nameScore
			}
			if score < FuzzyThreshold {
				continue
			}
		}
		c.Score = score
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out
}

// resolveFromCatalog applies the resolution strategy order: ConID first,
// then exact symbol, then best fuzzy match above the threshold.
func resolveFromCatalog(catalog []types.Candidate, hint ResolveHint) (types.Instrument, error) {
	if hint.ConID != 0 {
		for _, c := range catalog {
			if c.Instrument.ConID == hint.ConID {
				return c.Instrument, nil
			}
		}
		return types.Instrument{}, errs.New(errs.KindValidation, errs.ReasonNotFound,
			"no contract with con_id %d", hint.ConID)
	}

	symbol := strings.ToUpper(strings.TrimSpace(hint.Symbol))
	if symbol == "" {
		return types.Instrument{}, errs.New(errs.KindValidation, errs.ReasonValidationFailed,
			"resolve hint needs a con_id or a symbol")
	}
	for _, c := range catalog {
		if c.Instrument.Symbol == symbol && (hint.Type == "" || c.Instrument.Type == hint.Type) {
			return c.Instrument, nil
		}
	}

	best := types.Candidate{}
	for _, c := range catalog {
		if hint.Type != "" && c.Instrument.Type != hint.Type {
			continue
		}
		if score := Similarity(symbol, c.Instrument.Symbol); score > best.Score {
			best = c
			best.Score = score
		}
	}
	if best.Score >= FuzzyThreshold {
		return best.Instrument, nil
	}
	return types.Instrument{}, errs.New(errs.KindValidation, errs.ReasonNotFound,
		"no instrument matches %q", hint.Symbol)
}
