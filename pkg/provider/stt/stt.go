// Package stt defines the Transcriber interface for speech-to-text backends.
//
// A Transcriber receives one complete utterance at a time, already framed as
// a WAV file, and returns its transcription with optional segment and word
// timing. Implementations wrap remote APIs (OpenAI-compatible endpoints such
// as Groq, Deepgram) or local engines (whisper.cpp).
//
// Failures are reported as [*Error] values whose [Kind] distinguishes
// transport, authentication, rate-limit and malformed-response failures, so
// callers can react differently to each.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"time"
)

// Request is one utterance to transcribe.
type Request struct {
	// Audio is the utterance as a complete 16-bit PCM WAV file.
	Audio []byte

	// PCM is the same audio as raw little-endian int16 samples, for
	// providers that stream or run in-process.
	PCM []byte

	// Filename is a hint used as the multipart file name.
	Filename string

	SampleRate int
	Channels   int

	// Language is a BCP-47 code. Empty means the provider default.
	Language string

	// Prompt is optional context that biases recognition, such as a list of
	// proper nouns. Providers that do not support prompting ignore it.
	Prompt string

	// Keywords are terms to boost for providers with keyword support.
	Keywords []string
}

// Duration returns the playback length of the request's PCM payload.
func (r Request) Duration() time.Duration {
	ch := max(r.Channels, 1)
	if r.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(r.PCM)/2/ch) * time.Second / time.Duration(r.SampleRate)
}

// Result is a transcription.
type Result struct {
	Text     string        `json:"text"`
	Language string        `json:"language,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Segments []Segment     `json:"segments,omitempty"`
	Words    []WordDetail  `json:"words,omitempty"`

	// Provider names the backend that produced the result.
	Provider string `json:"provider,omitempty"`
}

// Segment is a sentence-level span of the transcription.
type Segment struct {
	ID    int           `json:"id"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// WordDetail is word-level timing for a single recognised word.
type WordDetail struct {
	Word       string        `json:"word"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence float64       `json:"confidence,omitempty"`
}

// Transcriber turns one utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (*Result, error)
}

// Seconds converts a floating-point second offset into a [time.Duration].
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
