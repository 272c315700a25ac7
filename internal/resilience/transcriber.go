package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/whisperflow/pkg/provider/stt"
)

// TranscriberFallback implements [stt.Transcriber] over an ordered set of
// backends. Transport, auth and rate-limit failures move on to the next
// backend; malformed responses and cancellation are returned as is.
// Malformed responses do not count against a backend's breaker.
type TranscriberFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

// Compile-time interface assertion.
var _ stt.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a fallback chain with primary first.
func NewTranscriberFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	if cfg.ShouldFallback == nil {
		cfg.ShouldFallback = stt.IsRetryable
	}
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = func(err error) bool {
			return !errors.Is(err, stt.ErrResponse) && !errors.Is(err, context.Canceled)
		}
	}
	return &TranscriberFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend tried after the existing ones.
func (f *TranscriberFallback) AddFallback(name string, t stt.Transcriber) {
	f.group.AddFallback(name, t)
}

// Names returns the backend names in order.
func (f *TranscriberFallback) Names() []string { return f.group.Names() }

// States returns each backend's breaker state.
func (f *TranscriberFallback) States() map[string]State { return f.group.States() }

// Transcribe sends req to the first healthy backend.
func (f *TranscriberFallback) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	res, name, err := ExecuteWithResult(f.group, func(t stt.Transcriber) (*stt.Result, error) {
		return t.Transcribe(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if res.Provider == "" {
		res.Provider = name
	}
	return res, nil
}
