// Package silero confirms speech with the Silero VAD ONNX model through
// github.com/streamer45/silero-vad-go.
//
// The model path must point at a silero_vad.onnx file and the ONNX Runtime
// shared library must be loadable at run time.
package silero

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/MrWong99/whisperflow/pkg/audio"
	"github.com/MrWong99/whisperflow/pkg/provider/vad"
)

// Default detector settings.
const (
	DefaultThreshold    = 0.5
	DefaultMinSilenceMs = 100
	DefaultSpeechPadMs  = 30
	supportedRate8k     = 8000
	supportedRate16k    = 16000
)

// Option is a functional option for [New].
type Option func(*Confirmer)

// WithThreshold sets the speech probability threshold in (0, 1).
func WithThreshold(t float64) Option {
	return func(c *Confirmer) { c.threshold = t }
}

// WithMinSilence sets the minimum silence, in milliseconds, that separates two
// speech ranges.
func WithMinSilence(ms int) Option {
	return func(c *Confirmer) { c.minSilenceMs = ms }
}

// WithSpeechPad sets the padding, in milliseconds, added around each range.
func WithSpeechPad(ms int) Option {
	return func(c *Confirmer) { c.speechPadMs = ms }
}

// Confirmer wraps one Silero detector. The detector is stateful, so calls
// are serialised and the state is reset before every buffer.
type Confirmer struct {
	mu           sync.Mutex
	detector     *speech.Detector
	sampleRate   int
	threshold    float64
	minSilenceMs int
	speechPadMs  int
}

// New loads the model at modelPath for audio at sampleRate (8000 or 16000).
func New(modelPath string, sampleRate int, opts ...Option) (*Confirmer, error) {
	if modelPath == "" {
		return nil, errors.New("silero: model path must not be empty")
	}
	if sampleRate != supportedRate8k && sampleRate != supportedRate16k {
		return nil, fmt.Errorf("silero: unsupported sample rate %d", sampleRate)
	}
	c := &Confirmer{
		sampleRate:   sampleRate,
		threshold:    DefaultThreshold,
		minSilenceMs: DefaultMinSilenceMs,
		speechPadMs:  DefaultSpeechPadMs,
	}
	for _, o := range opts {
		o(c)
	}
	if c.threshold <= 0 || c.threshold >= 1 {
		return nil, fmt.Errorf("silero: threshold must be in (0, 1), got %v", c.threshold)
	}

	d, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            modelPath,
		SampleRate:           sampleRate,
		Threshold:            float32(c.threshold),
		MinSilenceDurationMs: c.minSilenceMs,
		SpeechPadMs:          c.speechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("silero: load model %q: %w", modelPath, err)
	}
	c.detector = d
	return c, nil
}

// Detect implements [vad.Confirmer].
func (c *Confirmer) Detect(ctx context.Context, samples []int16, sampleRate int) ([]vad.SpeechRange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sampleRate != c.sampleRate {
		return nil, fmt.Errorf("silero: detector built for %d Hz, got %d Hz", c.sampleRate, sampleRate)
	}
	if len(samples) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detector == nil {
		return nil, errors.New("silero: detector closed")
	}
	if err := c.detector.Reset(); err != nil {
		return nil, fmt.Errorf("silero: reset: %w", err)
	}
	segs, err := c.detector.Detect(audio.Int16ToFloat32(samples))
	if err != nil {
		return nil, fmt.Errorf("silero: detect: %w", err)
	}
	return toRanges(segs, sampleRate, len(samples)), nil
}

// Close releases the ONNX session. Safe to call more than once.
func (c *Confirmer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detector == nil {
		return nil
	}
	err := c.detector.Destroy()
	c.detector = nil
	return err
}

// toRanges converts second offsets to sample ranges. A segment still open at
// the end of the buffer reports SpeechEndAt == 0 and is closed at n.
func toRanges(segs []speech.Segment, sampleRate, n int) []vad.SpeechRange {
	out := make([]vad.SpeechRange, 0, len(segs))
	for _, s := range segs {
		start := clamp(int(s.SpeechStartAt*float64(sampleRate)), 0, n)
		end := n
		if s.SpeechEndAt > 0 {
			end = clamp(int(s.SpeechEndAt*float64(sampleRate)), start, n)
		}
		if end <= start {
			continue
		}
		out = append(out, vad.SpeechRange{StartSample: start, EndSample: end})
	}
	return out
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

var _ vad.Confirmer = (*Confirmer)(nil)
