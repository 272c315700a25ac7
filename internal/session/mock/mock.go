// Package mock provides an in-memory [session.Store] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/whisperflow/internal/session"
	"github.com/MrWong99/whisperflow/pkg/audio"
)

// Store records every call. Set the *Err fields to make the matching method
// fail. All methods are safe for concurrent use.
type Store struct {
	mu sync.Mutex

	StartErr     error
	SaveErr      error
	AppendErr    error
	FullAudioErr error
	FinishErr    error

	Info       *session.Info
	Chunks     map[string][]byte
	Records    []session.ChunkRecord
	FullAudio  []byte
	FullFrames int
	Summary    *session.Summary
	Closed     int

	calls map[string]int
}

var _ session.Store = (*Store)(nil)

func (s *Store) record(method string) {
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[method]++
}

// CallCount returns how often method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Store) Start(_ context.Context, info session.Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Start")
	if s.StartErr != nil {
		return s.StartErr
	}
	s.Info = &info
	return nil
}

func (s *Store) SaveChunkAudio(_ context.Context, name string, wav []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SaveChunkAudio")
	if s.SaveErr != nil {
		return "", s.SaveErr
	}
	if s.Chunks == nil {
		s.Chunks = make(map[string][]byte)
	}
	s.Chunks[name] = append([]byte(nil), wav...)
	return "mem://" + name, nil
}

func (s *Store) AppendChunk(_ context.Context, rec session.ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("AppendChunk")
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.Records = append(s.Records, rec)
	return nil
}

func (s *Store) PersistFullAudio(_ context.Context, frames []audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("PersistFullAudio")
	if s.FullAudioErr != nil {
		return s.FullAudioErr
	}
	s.FullAudio = append(s.FullAudio, audio.Concat(frames)...)
	s.FullFrames += len(frames)
	return nil
}

func (s *Store) Finish(_ context.Context, sum session.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Finish")
	if s.FinishErr != nil {
		return s.FinishErr
	}
	s.Summary = &sum
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Close")
	s.Closed++
	return nil
}

// RecordsSnapshot returns a copy of the appended records.
func (s *Store) RecordsSnapshot() []session.ChunkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.ChunkRecord(nil), s.Records...)
}
