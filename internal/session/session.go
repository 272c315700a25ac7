// Package session persists the results of a recording session: one record
// per transcribed utterance, the utterance audio, and the complete session
// audio.
//
// A [Store] is used by a single pipeline for a single session. The pipeline
// calls Start once, then any number of SaveChunkAudio, AppendChunk and
// PersistFullAudio calls, then Finish and Close. Implementations live in the
// filestore and postgres subpackages; [Multi] fans writes out to several.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/whisperflow/internal/transcript"
	"github.com/MrWong99/whisperflow/pkg/audio"
	"github.com/MrWong99/whisperflow/pkg/provider/stt"
	"github.com/MrWong99/whisperflow/pkg/provider/vad"
)

// Sentinel errors shared by all stores.
var (
	ErrNotStarted = errors.New("session: not started")
	ErrFinished   = errors.New("session: already finished")
)

// TimestampLayout is the layout of [Timestamp] values in JSON.
const TimestampLayout = "2006-01-02 15:04:05"

// Timestamp is a wall-clock time that marshals as local time in
// [TimestampLayout].
type Timestamp time.Time

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).Local().Format(TimestampLayout) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("session: invalid timestamp %s", b)
	}
	parsed, err := time.ParseInLocation(TimestampLayout, string(b[1:len(b)-1]), time.Local)
	if err != nil {
		return fmt.Errorf("session: invalid timestamp: %w", err)
	}
	*t = Timestamp(parsed)
	return nil
}

// Time returns t as a [time.Time].
func (t Timestamp) Time() time.Time { return time.Time(t) }

// Info describes a session when it starts.
type Info struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`

	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`

	// Threshold is the calibrated ambient threshold.
	Threshold float64 `json:"threshold"`

	// Source and Transcriber name the providers in use.
	Source      string `json:"source,omitempty"`
	Transcriber string `json:"transcriber,omitempty"`
}

// ChunkRecord is the persisted result of one utterance.
type ChunkRecord struct {
	ChunkFile     string    `json:"chunk_file"`
	Timestamp     Timestamp `json:"timestamp"`
	Transcription string    `json:"transcription"`

	// RawTranscription is the recogniser output before vocabulary
	// correction. Omitted when nothing was corrected.
	RawTranscription string `json:"raw_transcription,omitempty"`

	SegmentID uint64  `json:"segment_id"`
	Duration  float64 `json:"duration_seconds"`
	Language  string  `json:"language,omitempty"`
	Provider  string  `json:"provider,omitempty"`

	Segments     []stt.Segment           `json:"segments,omitempty"`
	Words        []stt.WordDetail        `json:"words,omitempty"`
	SpeechRanges []vad.SpeechRange       `json:"speech_ranges,omitempty"`
	Corrections  []transcript.Correction `json:"corrections,omitempty"`
}

// Summary describes a session when it ends.
type Summary struct {
	EndedAt time.Time `json:"ended_at"`

	// Chunks is the number of records appended.
	Chunks int `json:"chunks"`

	Segments int `json:"segments"`
	Rejected int `json:"rejected"`
	Failed   int `json:"failed"`

	// AudioDuration is the length of the complete session audio.
	AudioDuration time.Duration `json:"audio_duration"`
}

// Store is the persistence collaborator of the pipeline.
type Store interface {
	// Start creates the session.
	Start(ctx context.Context, info Info) error

	// SaveChunkAudio stores one utterance as a WAV file named name and
	// returns the location it can be found at.
	SaveChunkAudio(ctx context.Context, name string, wav []byte) (string, error)

	// AppendChunk appends a record to the session.
	AppendChunk(ctx context.Context, rec ChunkRecord) error

	// PersistFullAudio appends frames to the complete session audio.
	PersistFullAudio(ctx context.Context, frames []audio.Frame) error

	// Finish completes the session. No writes are accepted afterwards.
	Finish(ctx context.Context, sum Summary) error

	// Close releases resources. It is safe to call more than once and after
	// a failed Start.
	Close() error
}

// NewID returns a session identifier derived from the start time, matching
// the session directory name.
func NewID(t time.Time) string {
	return "session_" + t.Local().Format("20060102_150405")
}
