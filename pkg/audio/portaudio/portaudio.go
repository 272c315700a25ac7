// Package portaudio captures frames from the default input device via the
// PortAudio C library.
//
// Device enumeration and selection are left to the operating system's
// default input; this package only opens it at the requested format.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/whisperflow/pkg/audio"
)

// initMu guards the process-wide PortAudio initialisation. PortAudio keeps
// a reference count, so every successful Initialize is paired with a
// Terminate in Close.
var initMu sync.Mutex

// Source reads mono or multi-channel int16 frames from the default input
// device. Blocking reads are bounded by one frame duration, so cancellation
// is observed within a frame.
type Source struct {
	format audio.Format
	stream *pa.Stream
	buf    []int16

	mu      sync.Mutex
	seq     uint64
	closed  bool
	overrun int
}

// New initialises PortAudio, opens the default input stream with the given
// format and starts it.
func New(format audio.Format) (*Source, error) {
	if format.SampleRate <= 0 || format.FrameSize <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("portaudio: invalid format %+v", format)
	}

	initMu.Lock()
	defer initMu.Unlock()

	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialise: %w: %w", audio.ErrDevice, err)
	}
	s := &Source{
		format: format,
		buf:    make([]int16, format.FrameSize*format.Channels),
	}
	stream, err := pa.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), format.FrameSize, s.buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open default input: %w: %w", audio.ErrDevice, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start stream: %w: %w", audio.ErrDevice, err)
	}
	s.stream = stream
	return s, nil
}

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.Frame{}, fmt.Errorf("portaudio: read: %w: stream closed", audio.ErrDevice)
	}

	if err := s.stream.Read(); err != nil {
		if !errors.Is(err, pa.InputOverflowed) {
			return audio.Frame{}, fmt.Errorf("portaudio: read: %w: %w", audio.ErrDevice, err)
		}
		// The buffer is still filled; the driver dropped samples before it.
		s.overrun++
		slog.Warn("portaudio: input overflowed, samples lost upstream", "overruns", s.overrun)
	}

	f := audio.Frame{
		Data:       audio.Int16ToBytes(s.buf),
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Seq:        s.seq,
		CapturedAt: time.Now(),
	}
	s.seq++
	return f, nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// Close stops and closes the stream and releases PortAudio. It is safe to
// call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	initMu.Lock()
	defer initMu.Unlock()
	return errors.Join(s.stream.Stop(), s.stream.Close(), pa.Terminate())
}

var _ audio.Source = (*Source)(nil)
