// Package transcript post-processes recognised text before it is stored.
//
// Remote recognisers regularly mangle product names, people and jargon. The
// [Corrector] replaces words that sound like a configured vocabulary term
// with that term's canonical spelling and records every substitution as a
// [Correction].
package transcript

// Correction is one substitution made by a [Corrector].
type Correction struct {
	// Original is the text as recognised, punctuation removed.
	Original string `json:"original"`

	// Corrected is the vocabulary term that replaced it.
	Corrected string `json:"corrected"`

	// Confidence is the match similarity in [0, 1].
	Confidence float64 `json:"confidence"`
}
