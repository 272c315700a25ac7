package session

import (
	"context"
	"errors"

	"github.com/MrWong99/whisperflow/pkg/audio"
)

// Multi writes to several stores. The first store is the primary: its
// SaveChunkAudio location is returned and becomes the record's ChunkFile.
// Errors from all stores are joined; a failing store does not prevent the
// others from being written.
type Multi struct {
	stores []Store
}

var _ Store = (*Multi)(nil)

// NewMulti returns a Multi over stores. It panics if stores is empty.
func NewMulti(stores ...Store) *Multi {
	if len(stores) == 0 {
		panic("session: NewMulti needs at least one store")
	}
	return &Multi{stores: stores}
}

func (m *Multi) each(fn func(Store) error) error {
	var errs []error
	for _, s := range m.stores {
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Start(ctx context.Context, info Info) error {
	return m.each(func(s Store) error { return s.Start(ctx, info) })
}

func (m *Multi) SaveChunkAudio(ctx context.Context, name string, wav []byte) (string, error) {
	var (
		path string
		errs []error
	)
	for i, s := range m.stores {
		p, err := s.SaveChunkAudio(ctx, name, wav)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if i == 0 {
			path = p
		}
	}
	return path, errors.Join(errs...)
}

func (m *Multi) AppendChunk(ctx context.Context, rec ChunkRecord) error {
	return m.each(func(s Store) error { return s.AppendChunk(ctx, rec) })
}

func (m *Multi) PersistFullAudio(ctx context.Context, frames []audio.Frame) error {
	return m.each(func(s Store) error { return s.PersistFullAudio(ctx, frames) })
}

func (m *Multi) Finish(ctx context.Context, sum Summary) error {
	return m.each(func(s Store) error { return s.Finish(ctx, sum) })
}

func (m *Multi) Close() error {
	return m.each(func(s Store) error { return s.Close() })
}
