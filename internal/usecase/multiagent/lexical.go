package multiagent

import (
	"context"
	"strings"
	"unicode"

	"squadron/internal/domain"
)

// Field weights for lexical matching. Capability tags are the most
// deliberate signal an agent author gives, so they count the most.
const (
	weightCapability  = 3.0
	weightName        = 2.0
	weightDescription = 1.0
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"can": {}, "do": {}, "for": {}, "from": {}, "how": {}, "i": {}, "in": {}, "is": {},
	"it": {}, "me": {}, "my": {}, "of": {}, "on": {}, "or": {}, "please": {}, "the": {},
	"this": {}, "to": {}, "what": {}, "whats": {}, "when": {}, "where": {}, "which": {},
	"who": {}, "why": {}, "with": {}, "you": {}, "your": {},
}

// LexicalRanker scores candidates by overlap between the query terms and
// each agent's capability tags, name and description. It needs no backend,
// which makes it the default ranker and a fallback for ModelRanker.
type LexicalRanker struct{}

// NewLexicalRanker creates a LexicalRanker.
func NewLexicalRanker() *LexicalRanker { return &LexicalRanker{} }

// Rank implements domain.Ranker. Scores are normalized by the number of
// query terms, so they are comparable across queries.
func (LexicalRanker) Rank(_ context.Context, query string, candidates []domain.AgentDescriptor) ([]domain.RankScore, error) {
	terms := tokenize(query)
	scores := make([]domain.RankScore, 0, len(candidates))
	for _, d := range candidates {
		scores = append(scores, domain.RankScore{AgentID: d.ID, Score: lexicalScore(terms, d)})
	}
	return scores, nil
}

func lexicalScore(terms []string, d domain.AgentDescriptor) float64 {
	if len(terms) == 0 {
		return 0
	}
	var caps []string
	for _, c := range d.Capabilities {
		caps = append(caps, tokenize(c)...)
	}
	name := tokenize(d.Name)
	desc := tokenize(d.Description)

	var total float64
	for _, t := range terms {
		switch {
		case matchesAny(t, caps):
			total += weightCapability
		case matchesAny(t, name):
			total += weightName
		case matchesAny(t, desc):
			total += weightDescription
		}
	}
	return total / float64(len(terms))
}

func matchesAny(term string, words []string) bool {
	for _, w := range words {
		if termMatch(term, w) {
			return true
		}
	}
	return false
}

// termMatch treats words sharing a stem of four or more letters as equal
// ("forecast" ~ "forecasts").
func termMatch(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) < 4 || len(b) < 4 {
		return false
	}
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

// tokenize lower-cases s, splits on anything that is not a letter or digit,
// drops stop words and one-letter tokens and de-duplicates.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
