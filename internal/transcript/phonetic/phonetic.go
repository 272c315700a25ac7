// Package phonetic matches spoken phrases against a vocabulary of known terms
// using Double Metaphone codes and Jaro-Winkler similarity.
//
// A phrase is compared with every term in two steps. First the Double
// Metaphone codes of both sides are compared; a shared code makes the term a
// phonetic candidate, accepted when its similarity reaches the phonetic
// threshold (default 0.70). Terms without a shared code can still match on
// plain similarity, but only above the stricter fuzzy threshold (default
// 0.85). Phonetic candidates always win over fuzzy ones.
//
// Phrases and terms may span several words. "elder nacks" is compared with
// "Eldrinax" both word by word and with the spaces removed, so a term that a
// recogniser split in two is still found.
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// Phrases with fewer letters than this are never corrected.
	minLetters = 3
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum similarity for a phonetic candidate.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum similarity for a match without a shared
// phonetic code.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// phrase is the precomputed form of a term or an input window.
type phrase struct {
	text       string
	tokens     []string
	concat     string
	tokenCodes []map[string]struct{}
	concatCode map[string]struct{}
}

func newPhrase(s string) phrase {
	lower := strings.ToLower(strings.TrimSpace(s))
	tokens := strings.Fields(lower)
	p := phrase{
		text:       s,
		tokens:     tokens,
		concat:     strings.Join(tokens, ""),
		tokenCodes: make([]map[string]struct{}, len(tokens)),
	}
	for i, t := range tokens {
		p.tokenCodes[i] = codes(t)
	}
	p.concatCode = codes(p.concat)
	return p
}

func (p phrase) letters() int {
	n := 0
	for _, r := range p.concat {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

// Vocabulary is a prepared, immutable list of terms.
type Vocabulary struct {
	terms    []phrase
	maxWords int
}

// NewVocabulary prepares terms for matching. Blank terms and duplicates
// (case-insensitive) are dropped; the first spelling wins.
func NewVocabulary(terms []string) *Vocabulary {
	v := &Vocabulary{}
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		p := newPhrase(t)
		if len(p.tokens) == 0 {
			continue
		}
		key := strings.Join(p.tokens, " ")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		p.text = strings.TrimSpace(t)
		v.terms = append(v.terms, p)
		v.maxWords = max(v.maxWords, len(p.tokens))
	}
	return v
}

// Len returns the number of distinct terms.
func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.terms)
}

// Terms returns the terms in their original spelling.
func (v *Vocabulary) Terms() []string {
	if v == nil {
		return nil
	}
	out := make([]string, len(v.terms))
	for i, t := range v.terms {
		out[i] = t.text
	}
	return out
}

// MaxWords returns the word count of the longest term.
func (v *Vocabulary) MaxWords() int {
	if v == nil {
		return 0
	}
	return v.maxWords
}

// Match returns the vocabulary term that input most likely stands for.
// When matched is false, term is input unchanged and score is 0.
func (m *Matcher) Match(input string, vocab *Vocabulary) (term string, score float64, matched bool) {
	if vocab.Len() == 0 {
		return input, 0, false
	}
	in := newPhrase(input)
	if in.letters() < minLetters {
		return input, 0, false
	}

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range vocab.terms {
		s := similarity(in, t)
		if sharesCode(in, t) {
			if s >= m.phoneticThreshold && (!bestPhonetic || s > bestScore) {
				best, bestScore, bestPhonetic = t.text, s, true
			}
			continue
		}
		if !bestPhonetic && s >= m.fuzzyThreshold && s > bestScore {
			best, bestScore = t.text, s
		}
	}
	if best == "" {
		return input, 0, false
	}
	return best, bestScore, true
}

// MatchTerms is Match against an unprepared term list.
func (m *Matcher) MatchTerms(input string, terms []string) (string, float64, bool) {
	return m.Match(input, NewVocabulary(terms))
}

// codes returns the non-empty Double Metaphone codes of word.
func codes(word string) map[string]struct{} {
	out := make(map[string]struct{}, 2)
	primary, secondary := matchr.DoubleMetaphone(word)
	if primary != "" {
		out[primary] = struct{}{}
	}
	if secondary != "" {
		out[secondary] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// sharesCode compares whole phrases by their concatenated code. Phrases with
// the same word count additionally need every word to share a code with its
// counterpart.
func sharesCode(a, b phrase) bool {
	if overlap(a.concatCode, b.concatCode) {
		return true
	}
	if len(a.tokens) != len(b.tokens) {
		return false
	}
	for i := range a.tokenCodes {
		if !overlap(a.tokenCodes[i], b.tokenCodes[i]) {
			return false
		}
	}
	return true
}

// similarity is the best of full-string, space-stripped and, for phrases of
// equal length, mean word-by-word Jaro-Winkler scores.
func similarity(a, b phrase) float64 {
	score := matchr.JaroWinkler(strings.Join(a.tokens, " "), strings.Join(b.tokens, " "), false)
	if len(a.tokens) > 1 || len(b.tokens) > 1 {
		score = max(score, matchr.JaroWinkler(a.concat, b.concat, false))
	}
	if len(a.tokens) == len(b.tokens) && len(a.tokens) > 1 {
		var sum float64
		for i := range a.tokens {
			sum += matchr.JaroWinkler(a.tokens[i], b.tokens[i], false)
		}
		score = max(score, sum/float64(len(a.tokens)))
	}
	return score
}
