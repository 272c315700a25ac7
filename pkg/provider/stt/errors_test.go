package stt_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/whisperflow/pkg/provider/stt"
)

func TestStatusError_Kinds(t *testing.T) {
	tests := []struct {
		code     int
		kind     stt.Kind
		sentinel error
	}{
		{401, stt.KindAuth, stt.ErrAuth},
		{403, stt.KindAuth, stt.ErrAuth},
		{429, stt.KindRateLimit, stt.ErrRateLimit},
		{500, stt.KindTransport, stt.ErrTransport},
		{503, stt.KindTransport, stt.ErrTransport},
		{400, stt.KindResponse, stt.ErrResponse},
		{413, stt.KindResponse, stt.ErrResponse},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", stt.StatusError("groq", tt.code, errors.New("boom")))
			var sErr *stt.Error
			if !errors.As(err, &sErr) {
				t.Fatalf("errors.As failed for %v", err)
			}
			if sErr.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", sErr.Kind, tt.kind)
			}
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%v) = false", tt.sentinel)
			}
			for _, other := range []error{stt.ErrAuth, stt.ErrRateLimit, stt.ErrTransport, stt.ErrResponse} {
				if other != tt.sentinel && errors.Is(err, other) {
					t.Errorf("unexpectedly matches %v", other)
				}
			}
		})
	}
}

func TestTransportError_PreservesCause(t *testing.T) {
	err := stt.TransportError("deepgram", context.DeadlineExceeded)
	if !errors.Is(err, stt.ErrTransport) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("lost classification or cause: %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	if stt.IsRetryable(stt.ResponseError("x", errors.New("bad json"))) {
		t.Error("response errors should not be retryable")
	}
	if stt.IsRetryable(stt.TransportError("x", context.Canceled)) {
		t.Error("cancellation should not be retryable")
	}
	if !stt.IsRetryable(stt.StatusError("x", 429, errors.New("slow down"))) {
		t.Error("rate limits should be retryable on another backend")
	}
}
