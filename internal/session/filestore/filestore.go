// Package filestore keeps sessions as plain files.
//
// Layout under the root directory:
//
//	sessions.json                   index, one entry per finished session
//	session_20250101_120000/
//	    chunks.json                 array of session.ChunkRecord
//	    chunk_1735732800.wav        one file per transcribed utterance
//	    complete.wav                the whole session, written incrementally
//
// JSON files are replaced atomically (temp file + rename), so a crash never
// leaves a truncated index or chunk list behind.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/whisperflow/internal/session"
	"github.com/MrWong99/whisperflow/pkg/audio"
)

// File names inside a session directory.
const (
	IndexFile     = "sessions.json"
	ChunksFile    = "chunks.json"
	CompleteAudio = "complete.wav"
)

// IndexEntry is one line of the sessions.json index.
type IndexEntry struct {
	ID            string    `json:"id"`
	Path          string    `json:"path"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	Chunks        int       `json:"chunks"`
	Segments      int       `json:"segments"`
	Rejected      int       `json:"rejected"`
	Failed        int       `json:"failed"`
	AudioSeconds  float64   `json:"audio_seconds"`
	Threshold     float64   `json:"threshold"`
	Transcriber   string    `json:"transcriber,omitempty"`
	CompleteAudio string    `json:"complete_audio,omitempty"`
}

// Option configures a [Store].
type Option func(*Store)

// WithFullAudio enables or disables complete.wav. Default: enabled.
func WithFullAudio(enabled bool) Option {
	return func(s *Store) { s.fullAudio = enabled }
}

// Store implements [session.Store] on the local file system. It is safe for
// concurrent use.
type Store struct {
	root      string
	fullAudio bool

	mu       sync.Mutex
	info     session.Info
	dir      string
	started  bool
	finished bool
	records  []session.ChunkRecord
	wav      *audio.WAVWriter
	wavBytes int64
}

var _ session.Store = (*Store)(nil)

// New returns a Store rooted at root. Nothing is created until Start.
func New(root string, opts ...Option) *Store {
	s := &Store{root: root, fullAudio: true}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dir returns the session directory, or "" before Start.
func (s *Store) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// Start creates the session directory, an empty chunks.json and, when
// enabled, complete.wav.
func (s *Store) Start(_ context.Context, info session.Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("filestore: session %s already started", s.info.ID)
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	if info.ID == "" {
		info.ID = session.NewID(info.StartedAt)
	}

	dir := filepath.Join(s.root, info.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("filestore: create session dir: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, ChunksFile), []session.ChunkRecord{}); err != nil {
		return err
	}
	if s.fullAudio {
		w, err := audio.CreateWAV(filepath.Join(dir, CompleteAudio), info.SampleRate, max(info.Channels, 1))
		if err != nil {
			return fmt.Errorf("filestore: %w", err)
		}
		s.wav = w
	}

	s.info, s.dir, s.started = info, dir, true
	return nil
}

func (s *Store) writable() error {
	switch {
	case !s.started:
		return session.ErrNotStarted
	case s.finished:
		return session.ErrFinished
	}
	return nil
}

// SaveChunkAudio writes wav into the session directory. If name is taken,
// a numeric suffix is added before the extension.
func (s *Store) SaveChunkAudio(_ context.Context, name string, wav []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return "", err
	}
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("filestore: invalid chunk name %q", name)
	}

	path := filepath.Join(s.dir, name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			break
		}
		path = filepath.Join(s.dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
	}
	if err := writeAtomic(path, wav); err != nil {
		return "", err
	}
	return path, nil
}

// AppendChunk adds rec to chunks.json.
func (s *Store) AppendChunk(_ context.Context, rec session.ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	records := append(s.records, rec)
	if err := writeJSON(filepath.Join(s.dir, ChunksFile), records); err != nil {
		return err
	}
	s.records = records
	return nil
}

// PersistFullAudio appends frames to complete.wav. It is a no-op when full
// audio is disabled.
func (s *Store) PersistFullAudio(_ context.Context, frames []audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	if s.wav == nil || len(frames) == 0 {
		return nil
	}
	pcm := audio.Concat(frames)
	if _, err := s.wav.Write(pcm); err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	s.wavBytes += int64(len(pcm))
	return nil
}

// Finish finalises complete.wav and appends the session to sessions.json.
func (s *Store) Finish(_ context.Context, sum session.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	s.finished = true

	var errs []error
	entry := IndexEntry{
		ID:          s.info.ID,
		Path:        s.dir,
		StartedAt:   s.info.StartedAt,
		EndedAt:     sum.EndedAt,
		Chunks:      len(s.records),
		Segments:    sum.Segments,
		Rejected:    sum.Rejected,
		Failed:      sum.Failed,
		Threshold:   s.info.Threshold,
		Transcriber: s.info.Transcriber,
	}
	if entry.EndedAt.IsZero() {
		entry.EndedAt = time.Now()
	}
	entry.AudioSeconds = sum.AudioDuration.Seconds()
	if s.wav != nil {
		entry.CompleteAudio = filepath.Join(s.dir, CompleteAudio)
		if entry.AudioSeconds == 0 && s.info.SampleRate > 0 {
			entry.AudioSeconds = float64(s.wavBytes) / float64(2*max(s.info.Channels, 1)*s.info.SampleRate)
		}
		if err := s.wav.Close(); err != nil {
			errs = append(errs, fmt.Errorf("filestore: %w", err))
		}
		s.wav = nil
	}

	index, err := ReadIndex(s.root)
	if err != nil {
		errs = append(errs, err)
	} else if err := writeJSON(filepath.Join(s.root, IndexFile), append(index, entry)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close closes complete.wav if Finish was never called.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wav == nil {
		return nil
	}
	err := s.wav.Close()
	s.wav = nil
	if err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	return nil
}

// ReadIndex returns the entries of root's sessions.json. A missing index is
// not an error.
func ReadIndex(root string) ([]IndexEntry, error) {
	var entries []IndexEntry
	if err := readJSON(filepath.Join(root, IndexFile), &entries); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}

// ReadChunks returns the records stored in a session directory.
func ReadChunks(dir string) ([]session.ChunkRecord, error) {
	var records []session.ChunkRecord
	if err := readJSON(filepath.Join(dir, ChunksFile), &records); err != nil {
		return nil, err
	}
	return records, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("filestore: decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("filestore: encode %s: %w", filepath.Base(path), err)
	}
	return writeAtomic(path, append(data, '\n'))
}

// writeAtomic writes data to a temp file in path's directory and renames it
// over path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: write %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("filestore: replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
