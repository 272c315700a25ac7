package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitDepth      = 16
	wavFormatPCM  = 1
	wavHeaderSize = 44
)

// EncodeWAV wraps little-endian int16 PCM in a RIFF/WAVE container held in
// memory. The result is what transcription providers receive as the
// utterance file.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	ws := &memWriteSeeker{}
	enc := wav.NewEncoder(ws, sampleRate, bitDepth, channels, wavFormatPCM)
	if err := enc.Write(intBuffer(pcm, sampleRate, channels)); err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: finalise wav: %w", err)
	}
	return ws.buf, nil
}

// DecodeWAV reads a 16-bit PCM WAV stream and returns its samples as
// little-endian bytes together with its sample rate and channel count.
func DecodeWAV(r io.ReadSeeker) (pcm []byte, sampleRate, channels int, err error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, 0, errors.New("audio: decode wav: not a valid wav file")
	}
	if dec.BitDepth != bitDepth {
		return nil, 0, 0, fmt.Errorf("audio: decode wav: unsupported bit depth %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("audio: decode wav: %w", err)
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return Int16ToBytes(samples), int(dec.SampleRate), int(dec.NumChans), nil
}

// WAVWriter appends PCM to a WAV file on disk. The RIFF header is patched
// with the final sizes on Close, so a crashed process leaves a file whose
// header under-reports its length but whose samples are intact.
type WAVWriter struct {
	f          *os.File
	enc        *wav.Encoder
	sampleRate int
	channels   int
	written    int64
}

// CreateWAV creates (or truncates) path and returns a writer for it.
func CreateWAV(path string, sampleRate, channels int) (*WAVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audio: create wav %q: %w", path, err)
	}
	return &WAVWriter{
		f:          f,
		enc:        wav.NewEncoder(f, sampleRate, bitDepth, channels, wavFormatPCM),
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

// Write appends little-endian int16 PCM.
func (w *WAVWriter) Write(pcm []byte) (int, error) {
	if len(pcm) == 0 {
		return 0, nil
	}
	if err := w.enc.Write(intBuffer(pcm, w.sampleRate, w.channels)); err != nil {
		return 0, fmt.Errorf("audio: append wav: %w", err)
	}
	w.written += int64(len(pcm) &^ 1)
	return len(pcm), nil
}

// BytesWritten reports how many PCM bytes have been appended.
func (w *WAVWriter) BytesWritten() int64 { return w.written }

// Close finalises the header and closes the file.
func (w *WAVWriter) Close() error {
	encErr := w.enc.Close()
	closeErr := w.f.Close()
	if encErr != nil {
		return fmt.Errorf("audio: finalise wav: %w", encErr)
	}
	return closeErr
}

func intBuffer(pcm []byte, sampleRate, channels int) *goaudio.IntBuffer {
	samples := BytesToInt16(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
}

// memWriteSeeker is an in-memory io.WriteSeeker; the wav encoder seeks back
// to patch chunk sizes on Close.
type memWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.buf) {
		if end > cap(m.buf) {
			grown := make([]byte, end, max(end, 2*cap(m.buf)+wavHeaderSize))
			copy(grown, m.buf)
			m.buf = grown
		} else {
			m.buf = m.buf[:end]
		}
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(m.pos)
	case io.SeekEnd:
		base = int64(len(m.buf))
	default:
		return 0, fmt.Errorf("audio: seek: invalid whence %d", whence)
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("audio: seek: negative position")
	}
	m.pos = int(next)
	return next, nil
}

var _ io.WriteSeeker = (*memWriteSeeker)(nil)
