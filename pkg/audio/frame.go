package audio

import "time"

// Frame is one fixed-size block of little-endian int16 PCM read from a
// [Source] in a single call. Frames are immutable once produced.
type Frame struct {
	// Data holds interleaved little-endian int16 samples.
	Data []byte

	// SampleRate in Hz (16000 for the default microphone configuration).
	SampleRate int

	// Channels is the interleaved channel count. The segmenter requires 1.
	Channels int

	// Seq is a monotonically increasing sequence number assigned by the source.
	Seq uint64

	// CapturedAt is the wall-clock time at which the read that produced this
	// frame completed. Silence timing is measured between these timestamps.
	CapturedAt time.Time
}

// Samples decodes the frame payload into int16 samples.
func (f Frame) Samples() []int16 {
	return BytesToInt16(f.Data)
}

// Len returns the number of samples per channel in the frame.
func (f Frame) Len() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / 2 / ch
}

// Duration returns the playback duration of the frame. Zero if the sample
// rate is unknown.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Len()) * time.Second / time.Duration(f.SampleRate)
}

// Peak returns the largest absolute sample value in the frame. An empty
// frame has a peak of zero.
func (f Frame) Peak() int {
	return PeakAbs(f.Data)
}

// Format describes the shape of the frames produced by a [Source].
type Format struct {
	SampleRate int
	Channels   int

	// FrameSize is the number of samples per channel in each frame.
	FrameSize int
}

// FrameDuration returns the duration of one frame of this format.
func (f Format) FrameDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.FrameSize) * time.Second / time.Duration(f.SampleRate)
}

// FrameBytes returns the byte length of one frame of this format.
func (f Format) FrameBytes() int {
	return f.FrameSize * f.Channels * 2
}

// FramesFor returns how many whole frames cover d, rounding down.
func (f Format) FramesFor(d time.Duration) int {
	if f.FrameSize <= 0 {
		return 0
	}
	return int(d.Seconds() * float64(f.SampleRate) / float64(f.FrameSize))
}
