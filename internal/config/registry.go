package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/whisperflow/pkg/audio"
	"github.com/MrWong99/whisperflow/pkg/provider/stt"
	"github.com/MrWong99/whisperflow/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// AudioFactory opens an audio source delivering frames of format.
type AudioFactory func(entry ProviderEntry, format audio.Format) (audio.Source, error)

// VADFactory builds a voice confirmer for audio of format.
type VADFactory func(entry ProviderEntry, format audio.Format) (vad.Confirmer, error)

// TranscriberFactory builds a transcriber.
type TranscriberFactory func(entry ProviderEntry) (stt.Transcriber, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	audio map[string]AudioFactory
	vad   map[string]VADFactory
	stt   map[string]TranscriberFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		audio: make(map[string]AudioFactory),
		vad:   make(map[string]VADFactory),
		stt:   make(map[string]TranscriberFactory),
	}
}

// RegisterAudio registers an audio source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name string, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// RegisterVAD registers a voice confirmer factory under name.
func (r *Registry) RegisterVAD(name string, factory VADFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterTranscriber registers a transcriber factory under name.
func (r *Registry) RegisterTranscriber(name string, factory TranscriberFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// CreateAudio opens an audio source using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateAudio(entry ProviderEntry, format audio.Format) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.audio[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, format)
}

// CreateVAD builds a voice confirmer using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry, format audio.Format) (vad.Confirmer, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, format)
}

// CreateTranscriber builds a transcriber using the factory registered under entry.Name.
func (r *Registry) CreateTranscriber(entry ProviderEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcription/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted registered names per kind ("audio", "vad",
// "transcription").
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"audio":         sortedKeys(r.audio),
		"vad":           sortedKeys(r.vad),
		"transcription": sortedKeys(r.stt),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
