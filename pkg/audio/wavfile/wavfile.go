// Package wavfile replays a 16-bit PCM WAV file as an [audio.Source].
//
// It stands in for a microphone when processing recordings offline and in
// end-to-end tests. Stereo input is downmixed; a sample-rate mismatch is
// either rejected or resampled depending on options.
package wavfile

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/MrWong99/whisperflow/pkg/audio"
)

// Option is a functional option for [Open].
type Option func(*Source)

// WithRealtime paces ReadFrame so frames are delivered at the rate they would
// arrive from a live device.
func WithRealtime(enabled bool) Option {
	return func(s *Source) { s.realtime = enabled }
}

// WithResample allows the file's sample rate to differ from the requested
// format; samples are linearly resampled on load.
func WithResample(enabled bool) Option {
	return func(s *Source) { s.resample = enabled }
}

// WithClock overrides the wall clock used for frame timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// Source replays decoded PCM frame by frame. Frame timestamps advance by
// exactly one frame duration from the moment the file was opened, so
// silence timing downstream matches the recording regardless of pacing.
type Source struct {
	format   audio.Format
	pcm      []byte
	pos      int
	seq      uint64
	start    time.Time
	realtime bool
	resample bool
	now      func() time.Time
}

// Open decodes path and prepares it for replay at format. format.Channels
// must be 1.
func Open(path string, format audio.Format, opts ...Option) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open %q: %w", path, err)
	}
	defer f.Close()
	return FromReader(f, format, opts...)
}

// FromReader decodes a WAV stream held by r.
func FromReader(r io.ReadSeeker, format audio.Format, opts ...Option) (*Source, error) {
	if format.Channels != 1 {
		return nil, fmt.Errorf("wavfile: only mono output is supported, got %d channels", format.Channels)
	}
	if format.FrameSize <= 0 || format.SampleRate <= 0 {
		return nil, fmt.Errorf("wavfile: invalid format %+v", format)
	}
	s := &Source{format: format, now: time.Now}
	for _, o := range opts {
		o(s)
	}

	pcm, rate, channels, err := audio.DecodeWAV(r)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %w", err)
	}
	switch channels {
	case 1:
	case 2:
		pcm = audio.StereoToMono(pcm)
	default:
		return nil, fmt.Errorf("wavfile: unsupported channel count %d", channels)
	}
	if rate != format.SampleRate {
		if !s.resample {
			return nil, fmt.Errorf("wavfile: file sample rate %d does not match %d", rate, format.SampleRate)
		}
		if pcm, err = resample(pcm, rate, format.SampleRate); err != nil {
			return nil, fmt.Errorf("wavfile: %w", err)
		}
	}
	s.pcm = pcm
	s.start = s.now()
	return s, nil
}

// ReadFrame implements [audio.Source]. A trailing partial frame is padded
// with silence; afterwards [io.EOF] is returned.
func (s *Source) ReadFrame(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	if s.pos >= len(s.pcm) {
		return audio.Frame{}, io.EOF
	}

	at := s.start.Add(time.Duration(s.seq) * s.format.FrameDuration())
	if s.realtime {
		if wait := time.Until(at.Add(s.format.FrameDuration())); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return audio.Frame{}, ctx.Err()
			case <-t.C:
			}
		}
	}

	n := s.format.FrameBytes()
	data := make([]byte, n)
	copy(data, s.pcm[s.pos:])
	s.pos += n

	f := audio.Frame{
		Data:       data,
		SampleRate: s.format.SampleRate,
		Channels:   1,
		Seq:        s.seq,
		CapturedAt: at,
	}
	s.seq++
	return f, nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// Close implements [audio.Source]. The file is fully decoded on open, so
// there is nothing to release.
func (s *Source) Close() error { return nil }

var _ audio.Source = (*Source)(nil)

// resample converts 16-bit mono PCM from srcRate to dstRate. The filter
// delay trims a few milliseconds from the end of the file.
func resample(pcm []byte, srcRate, dstRate int) ([]byte, error) {
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("resampler %d->%d Hz: %w", srcRate, dstRate, err)
	}

	samples := audio.BytesToInt16(pcm)
	in := make([]float64, len(samples))
	for i, v := range samples {
		in[i] = float64(v) / 32768
	}
	out, err := r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}

	res := make([]int16, len(out))
	for i, v := range out {
		switch {
		case v >= 1:
			res[i] = 32767
		case v < -1:
			res[i] = -32768
		default:
			res[i] = int16(v * 32767)
		}
	}
	return audio.Int16ToBytes(res), nil
}
