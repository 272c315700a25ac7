// Package mock provides a scripted in-memory implementation of
// [audio.Source] for use in unit tests.
//
// The mock is safe for concurrent use. It records call counts and exposes
// exported fields that the test sets to control behaviour.
//
// Typical usage:
//
//	src := &mock.Source{
//	    SourceFormat: audio.Format{SampleRate: 16000, Channels: 1, FrameSize: 512},
//	}
//	src.Append(mock.Constant(src.SourceFormat, 10, 5000)...)
//	frame, err := src.ReadFrame(ctx)
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/whisperflow/pkg/audio"
)

// Epoch is the synthetic capture time of the first frame when the mock
// assigns timestamps itself.
var Epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// SourceFormat is returned by [Source.Format].
	SourceFormat audio.Format

	// Frames are returned in order by ReadFrame. Frames with a zero
	// CapturedAt are stamped Epoch + Seq*frameDuration; frames with a zero
	// Seq are numbered by position.
	Frames []audio.Frame

	// EndError is returned once Frames is exhausted. Defaults to [io.EOF].
	EndError error

	// BlockAtEnd makes ReadFrame block until ctx is done instead of
	// returning EndError once Frames is exhausted, like a live microphone.
	BlockAtEnd bool

	// CloseError is returned by [Source.Close].
	CloseError error

	// CallCountReadFrame records how many times ReadFrame was called.
	CallCountReadFrame int

	// Closed is set by [Source.Close].
	Closed bool

	next int
}

// Append queues more frames.
func (s *Source) Append(frames ...audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, frames...)
}

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	s.mu.Lock()
	s.CallCountReadFrame++
	if s.next >= len(s.Frames) {
		block := s.BlockAtEnd
		endErr := s.EndError
		s.mu.Unlock()
		if block {
			<-ctx.Done()
			return audio.Frame{}, ctx.Err()
		}
		if endErr == nil {
			endErr = io.EOF
		}
		return audio.Frame{}, endErr
	}
	idx := s.next
	f := s.Frames[idx]
	s.next++
	format := s.SourceFormat
	s.mu.Unlock()

	if f.Seq == 0 {
		f.Seq = uint64(idx)
	}
	if f.SampleRate == 0 {
		f.SampleRate = format.SampleRate
	}
	if f.Channels == 0 {
		f.Channels = format.Channels
	}
	if f.CapturedAt.IsZero() {
		f.CapturedAt = Epoch.Add(time.Duration(f.Seq) * format.FrameDuration())
	}
	return f, nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SourceFormat
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return s.CloseError
}

// Remaining reports how many scripted frames have not been read yet.
func (s *Source) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames) - s.next
}

// Constant returns n frames of format f whose every sample is amplitude,
// with alternating sign so the peak is exactly |amplitude|.
func Constant(f audio.Format, n int, amplitude int16) []audio.Frame {
	frames := make([]audio.Frame, n)
	for i := range frames {
		samples := make([]int16, f.FrameSize*max(f.Channels, 1))
		for j := range samples {
			if j%2 == 0 {
				samples[j] = amplitude
			} else {
				samples[j] = -amplitude
			}
		}
		frames[i] = audio.Frame{
			Data:       audio.Int16ToBytes(samples),
			SampleRate: f.SampleRate,
			Channels:   max(f.Channels, 1),
		}
	}
	return frames
}

var _ audio.Source = (*Source)(nil)
