// Package fingerprint computes compact semantic signatures for foundational
// artifacts and compares later artifacts against them. Detection is advisory:
// a drift report never blocks or modifies generation.
package fingerprint

import (
	"encoding/hex"
	"sort"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

// Fingerprint is a read-only semantic signature: a content hash, the most
// significant non-stopword keywords, and capitalized multi-occurrence tokens
// treated as named entities.
type Fingerprint struct {
	Hash     string   `json:"hash"`
	Keywords []string `json:"keywords"`
	Entities []string `json:"entities"`
}

// DriftReport describes keyword/entity overlap between a fingerprint and a
// candidate text.
type DriftReport struct {
	OverlapRatio    float64  `json:"overlap_ratio"`
	Drifted         bool     `json:"drifted"`
	Threshold       float64  `json:"threshold"`
	MissingEntities []string `json:"missing_entities,omitempty"`
}

// Options bound fingerprint extraction. Zero values fall back to defaults.
type Options struct {
	MaxKeywords int // default 15
	MaxEntities int // default 25
}

const (
	defaultMaxKeywords = 15
	defaultMaxEntities = 25

	// DefaultDriftThreshold is the keyword-overlap fraction below which a
	// candidate is reported as drifted.
	DefaultDriftThreshold = 0.30
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"of": true, "in": true, "on": true, "at": true, "to": true, "for": true,
	"with": true, "from": true, "by": true, "as": true, "is": true, "was": true,
	"are": true, "were": true, "be": true, "been": true, "being": true,
	"it": true, "its": true, "this": true, "that": true, "these": true,
	"those": true, "he": true, "she": true, "they": true, "them": true,
	"his": true, "her": true, "their": true, "i": true, "me": true, "my": true,
	"we": true, "us": true, "our": true, "you": true, "your": true,
	"not": true, "no": true, "so": true, "if": true, "then": true,
	"there": true, "here": true, "when": true, "where": true, "what": true,
	"who": true, "how": true, "all": true, "any": true, "can": true,
	"will": true, "would": true, "could": true, "should": true, "had": true,
	"has": true, "have": true, "do": true, "does": true, "did": true,
	"into": true, "over": true, "out": true, "up": true, "down": true,
	"about": true, "than": true, "too": true, "very": true, "just": true,
	"more": true, "most": true, "some": true, "one": true, "two": true,
}

func (o Options) withDefaults() Options {
	if o.MaxKeywords <= 0 {
		o.MaxKeywords = defaultMaxKeywords
	}
	if o.MaxEntities <= 0 {
		o.MaxEntities = defaultMaxEntities
	}
	return o
}

// New computes a fingerprint with default bounds.
func New(text string) Fingerprint {
	return NewWithOptions(text, Options{})
}

// NewWithOptions computes a fingerprint over text. The hash covers the raw
// bytes; keywords and entities come from a simple tokenizer that keeps
// intra-word apostrophes so contractions stay whole.
func NewWithOptions(text string, opts Options) Fingerprint {
	opts = opts.withDefaults()

	sum := blake3.Sum256([]byte(text))
	fp := Fingerprint{Hash: hex.EncodeToString(sum[:])}

	tokens := tokenize(text)
	fp.Keywords = topKeywords(tokens, opts.MaxKeywords)
	fp.Entities = entities(tokens, opts.MaxEntities)
	return fp
}

// CheckDrift tokenizes the candidate and reports the fraction of fingerprint
// keywords present in it. A fingerprint with no keywords never drifts.
func CheckDrift(fp Fingerprint, candidate string, threshold float64) DriftReport {
	if threshold <= 0 {
		threshold = DefaultDriftThreshold
	}
	report := DriftReport{Threshold: threshold}
	if len(fp.Keywords) == 0 {
		report.OverlapRatio = 1.0
		return report
	}

	present := map[string]bool{}
	for _, tok := range tokenize(candidate) {
		present[strings.ToLower(tok)] = true
	}

	found := 0
	for _, kw := range fp.Keywords {
		if present[strings.ToLower(kw)] {
			found++
		}
	}
	report.OverlapRatio = float64(found) / float64(len(fp.Keywords))
	report.Drifted = report.OverlapRatio < threshold

	for _, ent := range fp.Entities {
		if !present[strings.ToLower(ent)] {
			report.MissingEntities = append(report.MissingEntities, ent)
		}
	}
	return report
}

// tokenize splits on anything that is not a letter, digit, or intra-word
// apostrophe. Original casing is preserved for entity extraction.
func tokenize(text string) []string {
	var tokens []string
	var b strings.Builder
	runes := []rune(text)
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, strings.Trim(b.String(), "'’"))
			b.Reset()
		}
	}
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case (r == '\'' || r == '’') && i > 0 && i < len(runes)-1 &&
			unicode.IsLetter(runes[i-1]) && unicode.IsLetter(runes[i+1]):
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	out := tokens[:0]
	for _, t := range tokens {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

type scoredToken struct {
	token string
	count int
}

// topKeywords ranks lowercased non-stopword tokens by frequency, preferring
// longer tokens on ties so content words beat function words.
func topKeywords(tokens []string, limit int) []string {
	counts := map[string]int{}
	for _, t := range tokens {
		lower := strings.ToLower(t)
		if len(lower) < 3 || stopwords[lower] {
			continue
		}
		counts[lower]++
	}
	scored := make([]scoredToken, 0, len(counts))
	for tok, n := range counts {
		scored = append(scored, scoredToken{token: tok, count: n})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].count != scored[j].count {
			return scored[i].count > scored[j].count
		}
		if len(scored[i].token) != len(scored[j].token) {
			return len(scored[i].token) > len(scored[j].token)
		}
		return scored[i].token < scored[j].token
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	out := make([]string, len(scored))
	for i, s := range scored {
		out[i] = s.token
	}
	return out
}

// entities collects capitalized tokens that occur at least twice. Sentence
// leads are included; requiring a second occurrence filters most of them out.
func entities(tokens []string, limit int) []string {
	counts := map[string]int{}
	for _, t := range tokens {
		if len(t) < 2 {
			continue
		}
		first := []rune(t)[0]
		if !unicode.IsUpper(first) {
			continue
		}
		if stopwords[strings.ToLower(t)] {
			continue
		}
		counts[t]++
	}
	var ents []string
	for tok, n := range counts {
		if n >= 2 {
			ents = append(ents, tok)
		}
	}
	sort.Slice(ents, func(i, j int) bool {
		if counts[ents[i]] != counts[ents[j]] {
			return counts[ents[i]] > counts[ents[j]]
		}
		return ents[i] < ents[j]
	})
	if len(ents) > limit {
		ents = ents[:limit]
	}
	return ents
}
