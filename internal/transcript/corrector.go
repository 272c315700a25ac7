package transcript

import (
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/whisperflow/internal/transcript/phonetic"
)

// Corrector applies vocabulary correction to transcript text. The vocabulary
// can be replaced at any time with [Corrector.SetVocabulary]; calls to
// [Corrector.Correct] in flight keep the vocabulary they started with.
type Corrector struct {
	matcher *phonetic.Matcher
	vocab   atomic.Pointer[phonetic.Vocabulary]
}

// NewCorrector returns a Corrector for vocabulary. A nil matcher uses
// [phonetic.New] defaults.
func NewCorrector(vocabulary []string, matcher *phonetic.Matcher) *Corrector {
	if matcher == nil {
		matcher = phonetic.New()
	}
	c := &Corrector{matcher: matcher}
	c.SetVocabulary(vocabulary)
	return c
}

// SetVocabulary atomically replaces the vocabulary.
func (c *Corrector) SetVocabulary(terms []string) {
	c.vocab.Store(phonetic.NewVocabulary(terms))
}

// Vocabulary returns the current terms.
func (c *Corrector) Vocabulary() []string {
	return c.vocab.Load().Terms()
}

// Correct scans text left to right. At each word it tries windows from the
// longest vocabulary term's word count down to one word and replaces the
// first window that matches. Surrounding punctuation is kept. With an empty
// vocabulary the text is returned unchanged.
func (c *Corrector) Correct(text string) (string, []Correction) {
	vocab := c.vocab.Load()
	if vocab.Len() == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		out         = make([]string, 0, len(tokens))
		corrections []Correction
		changed     bool
	)
	for i := 0; i < len(tokens); {
		n, term, score := c.longestMatch(tokens[i:], vocab)
		if n == 0 {
			out = append(out, tokens[i])
			i++
			continue
		}
		window := tokens[i : i+n]
		lead, _, _ := splitPunct(window[0])
		_, _, trail := splitPunct(window[n-1])
		spoken := bareWindow(window)
		if spoken != term {
			corrections = append(corrections, Correction{Original: spoken, Corrected: term, Confidence: score})
			changed = true
		}
		out = append(out, lead+term+trail)
		i += n
	}
	if !changed {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

func (c *Corrector) longestMatch(tokens []string, vocab *phonetic.Vocabulary) (int, string, float64) {
	for n := min(vocab.MaxWords(), len(tokens)); n >= 1; n-- {
		window := tokens[:n]
		if n > 1 && hasInnerBreak(window) {
			continue
		}
		if term, score, ok := c.matcher.Match(bareWindow(window), vocab); ok {
			return n, term, score
		}
	}
	return 0, "", 0
}

// bareWindow joins the window's words with their punctuation removed.
func bareWindow(window []string) string {
	parts := make([]string, 0, len(window))
	for _, w := range window {
		if _, core, _ := splitPunct(w); core != "" {
			parts = append(parts, core)
		}
	}
	return strings.Join(parts, " ")
}

// hasInnerBreak reports whether sentence punctuation separates the window's
// words, in which case they do not form one phrase.
func hasInnerBreak(window []string) bool {
	for _, w := range window[:len(window)-1] {
		if _, _, trail := splitPunct(w); strings.ContainsAny(trail, ".,;:!?") {
			return true
		}
	}
	return false
}

// splitPunct splits w into leading punctuation, the word and trailing
// punctuation.
func splitPunct(w string) (lead, core, trail string) {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }
	start := strings.IndexFunc(w, isWord)
	if start < 0 {
		return w, "", ""
	}
	end := strings.LastIndexFunc(w, isWord)
	_, size := utf8.DecodeRuneInString(w[end:])
	end += size
	return w[:start], w[start:end], w[end:]
}
