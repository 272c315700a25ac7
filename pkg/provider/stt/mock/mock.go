// Package mock provides a test double for [stt.Transcriber].
//
// Set Result or Err to script the response, or TranscribeFunc for per-call
// behaviour. Every call is recorded in Calls.
//
//	tr := &mock.Transcriber{Result: &stt.Result{Text: "hello"}}
//	res, _ := tr.Transcribe(ctx, stt.Request{Audio: wav})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/whisperflow/pkg/provider/stt"
)

// Transcriber is a mock implementation of [stt.Transcriber].
type Transcriber struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Err is nil. A nil Result yields
	// an empty, non-nil result.
	Result *stt.Result

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeFunc, if set, replaces Result and Err.
	TranscribeFunc func(ctx context.Context, req stt.Request) (*stt.Result, error)

	// Calls records every request in order.
	Calls []stt.Request
}

// Transcribe records the call and returns the scripted response.
func (m *Transcriber) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	fn, res, err := m.TranscribeFunc, m.Result, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &stt.Result{}, nil
	}
	out := *res
	return &out, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

var _ stt.Transcriber = (*Transcriber)(nil)
