// Package mock provides a test double for [vad.Confirmer].
//
// Set Ranges or Err to script the result; inspect Calls afterwards.
//
//	c := &mock.Confirmer{Ranges: []vad.SpeechRange{{StartSample: 0, EndSample: 1600}}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/whisperflow/pkg/provider/vad"
)

// DetectCall records a single invocation of Confirmer.Detect.
type DetectCall struct {
	Samples    []int16
	SampleRate int
}

// Confirmer is a mock implementation of [vad.Confirmer].
type Confirmer struct {
	mu sync.Mutex

	// Ranges is returned by every Detect call unless DetectFunc is set.
	Ranges []vad.SpeechRange

	// Err, if non-nil, is returned as the error from Detect.
	Err error

	// DetectFunc, if set, computes the result instead of Ranges and Err.
	DetectFunc func(samples []int16, sampleRate int) ([]vad.SpeechRange, error)

	// Calls records every call to Detect in order.
	Calls []DetectCall
}

// Detect records the call and returns the scripted result.
func (c *Confirmer) Detect(ctx context.Context, samples []int16, sampleRate int) ([]vad.SpeechRange, error) {
	c.mu.Lock()
	c.Calls = append(c.Calls, DetectCall{Samples: samples, SampleRate: sampleRate})
	fn, ranges, err := c.DetectFunc, c.Ranges, c.Err
	c.mu.Unlock()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if fn != nil {
		return fn(samples, sampleRate)
	}
	return ranges, err
}

// CallCount returns the number of Detect calls. Thread-safe.
func (c *Confirmer) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

var _ vad.Confirmer = (*Confirmer)(nil)
