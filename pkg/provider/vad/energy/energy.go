// Package energy is a pure-Go [vad.Confirmer] based on windowed RMS energy
// with hysteresis. It needs no model files or native libraries and serves
// where the ONNX runtime is unavailable.
package energy

import (
	"context"
	"fmt"
	"math"

	"github.com/MrWong99/whisperflow/pkg/provider/vad"
)

// Config tunes the detector. Levels are normalised RMS in [0, 1].
type Config struct {
	// WindowMs is the analysis window length. Default 20.
	WindowMs int

	// SpeechLevel is the RMS at or above which a window counts as voiced.
	// Default 0.015.
	SpeechLevel float64

	// SilenceLevel is the RMS below which a window counts as unvoiced once
	// speech has started. Must not exceed SpeechLevel. Default 0.008.
	SilenceLevel float64

	// StartWindows consecutive voiced windows open a range. Default 3.
	StartWindows int

	// EndWindows consecutive unvoiced windows close a range. Default 15.
	EndWindows int

	// MinSpeechMs drops ranges shorter than this. Default 150.
	MinSpeechMs int
}

func (c *Config) applyDefaults() {
	if c.WindowMs <= 0 {
		c.WindowMs = 20
	}
	if c.SpeechLevel <= 0 {
		c.SpeechLevel = 0.015
	}
	if c.SilenceLevel <= 0 {
		c.SilenceLevel = 0.008
	}
	if c.StartWindows <= 0 {
		c.StartWindows = 3
	}
	if c.EndWindows <= 0 {
		c.EndWindows = 15
	}
	if c.MinSpeechMs <= 0 {
		c.MinSpeechMs = 150
	}
}

// Confirmer is stateless between calls and safe for concurrent use.
type Confirmer struct {
	cfg Config
}

// New returns a Confirmer with cfg's zero fields defaulted.
func New(cfg Config) (*Confirmer, error) {
	cfg.applyDefaults()
	if cfg.SilenceLevel > cfg.SpeechLevel {
		return nil, fmt.Errorf("energy: silence level %v exceeds speech level %v", cfg.SilenceLevel, cfg.SpeechLevel)
	}
	return &Confirmer{cfg: cfg}, nil
}

// Detect implements [vad.Confirmer].
func (c *Confirmer) Detect(ctx context.Context, samples []int16, sampleRate int) ([]vad.SpeechRange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", sampleRate)
	}
	win := sampleRate * c.cfg.WindowMs / 1000
	if win <= 0 {
		return nil, fmt.Errorf("energy: window of %dms is empty at %d Hz", c.cfg.WindowMs, sampleRate)
	}
	minLen := sampleRate * c.cfg.MinSpeechMs / 1000

	var (
		out       []vad.SpeechRange
		inSpeech  bool
		start     int
		runStart  int
		voicedRun int
		silentRun int
		silenceAt int
	)
	closeRange := func(end int) {
		if end-start >= minLen {
			out = append(out, vad.SpeechRange{StartSample: start, EndSample: end})
		}
	}

	for off := 0; off < len(samples); off += win {
		end := min(off+win, len(samples))
		level := rms(samples[off:end])

		if !inSpeech {
			if level >= c.cfg.SpeechLevel {
				if voicedRun == 0 {
					runStart = off
				}
				voicedRun++
				if voicedRun >= c.cfg.StartWindows {
					inSpeech = true
					start = runStart
					silentRun = 0
				}
			} else {
				voicedRun = 0
			}
			continue
		}

		if level < c.cfg.SilenceLevel {
			if silentRun == 0 {
				silenceAt = off
			}
			silentRun++
			if silentRun >= c.cfg.EndWindows {
				closeRange(silenceAt)
				inSpeech = false
				voicedRun = 0
			}
		} else {
			silentRun = 0
		}
	}
	if inSpeech {
		end := len(samples)
		if silentRun > 0 {
			end = silenceAt
		}
		closeRange(end)
	}
	return out, nil
}

func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

var _ vad.Confirmer = (*Confirmer)(nil)
