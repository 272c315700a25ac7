package audio

import (
	"context"
	"errors"
)

// ErrDevice is wrapped by sources when the underlying capture device is
// unavailable or disconnected. It is never recoverable.
var ErrDevice = errors.New("audio: device error")

// Source produces fixed-size PCM frames on demand.
//
// ReadFrame blocks until a full frame is available, ctx is cancelled, or the
// source fails. Finite sources return [io.EOF] once exhausted. Every frame
// returned by one Source has the same [Format].
//
// Implementations need not be safe for concurrent ReadFrame calls; a single
// capture goroutine owns the source.
type Source interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Format() Format
	Close() error
}
