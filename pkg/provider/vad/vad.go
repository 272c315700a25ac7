// Package vad defines the Confirmer interface for model-based voice
// confirmation.
//
// A Confirmer is the second, higher-precision stage of voice activity
// detection. The energy threshold in the segmenter is cheap but easily fooled
// by door slams and keyboard noise; a Confirmer inspects a whole finalised
// utterance and reports where, if anywhere, it contains speech. An empty
// result means "no speech" and the utterance is dropped before any
// transcription cost is spent.
//
// Confirmers are called once per utterance, from a single goroutine, with
// the utterance's samples held in memory.
package vad

import (
	"context"
	"time"
)

// SpeechRange is a half-open span [StartSample, EndSample) of detected speech
// within the buffer passed to [Confirmer.Detect].
type SpeechRange struct {
	StartSample int `json:"start"`
	EndSample   int `json:"end"`
}

// Duration converts the range length to time at sampleRate.
func (r SpeechRange) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 || r.EndSample <= r.StartSample {
		return 0
	}
	return time.Duration(r.EndSample-r.StartSample) * time.Second / time.Duration(sampleRate)
}

// Confirmer detects speech in a complete buffer of mono int16 samples.
//
// Detect returns the ordered, non-overlapping speech ranges it found, or an
// empty slice when the buffer holds no speech. An error means the detector
// itself failed; callers treat the buffer as unconfirmed.
type Confirmer interface {
	Detect(ctx context.Context, samples []int16, sampleRate int) ([]SpeechRange, error)
}

// PassThrough confirms every non-empty buffer as a single speech range. It is
// used when no voice model is configured, leaving the energy threshold as the
// only gate.
type PassThrough struct{}

// Detect implements [Confirmer].
func (PassThrough) Detect(ctx context.Context, samples []int16, _ int) ([]SpeechRange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}
	return []SpeechRange{{StartSample: 0, EndSample: len(samples)}}, nil
}

var _ Confirmer = PassThrough{}
