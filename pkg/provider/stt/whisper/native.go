// This file contains the NativeTranscriber backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/whisperflow/pkg/audio"
	"github.com/MrWong99/whisperflow/pkg/provider/stt"
)

const nativeProviderName = "whisper-native"

// Compile-time assertion that NativeTranscriber satisfies stt.Transcriber.
var _ stt.Transcriber = (*NativeTranscriber)(nil)

// NativeTranscriber runs whisper.cpp in-process. The model is loaded once;
// each call creates its own inference context, so calls may run concurrently.
type NativeTranscriber struct {
	model    whisperlib.Model
	language string
}

// NativeOption is a functional option for [NewNative].
type NativeOption func(*NativeTranscriber)

// WithNativeLanguage sets the default language. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(n *NativeTranscriber) { n.language = lang }
}

// NewNative loads the model at modelPath. Call Close when done.
func NewNative(modelPath string, opts ...NativeOption) (*NativeTranscriber, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	n := &NativeTranscriber{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// Close releases the model.
func (n *NativeTranscriber) Close() error {
	if n.model != nil {
		return n.model.Close()
	}
	return nil
}

// Transcribe runs inference over req.PCM. Cancellation is checked before and
// after inference; whisper.cpp itself cannot be interrupted mid-run.
func (n *NativeTranscriber) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, stt.TransportError(nativeProviderName, err)
	}
	if len(req.PCM) == 0 {
		return nil, stt.ResponseError(nativeProviderName, errors.New("empty audio"))
	}
	pcm := req.PCM
	if req.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	samples := audio.Int16ToFloat32(audio.BytesToInt16(pcm))

	wctx, err := n.model.NewContext()
	if err != nil {
		return nil, stt.TransportError(nativeProviderName, fmt.Errorf("create context: %w", err))
	}
	lang := req.Language
	if lang == "" {
		lang = n.language
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}
	if req.Prompt != "" {
		wctx.SetInitialPrompt(req.Prompt)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, stt.TransportError(nativeProviderName, fmt.Errorf("process audio: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, stt.TransportError(nativeProviderName, err)
	}

	res := &stt.Result{
		Language: lang,
		Duration: req.Duration(),
		Provider: nativeProviderName,
	}
	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stt.ResponseError(nativeProviderName, fmt.Errorf("read segment: %w", err))
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		res.Segments = append(res.Segments, stt.Segment{
			ID:    seg.Num,
			Start: seg.Start,
			End:   seg.End,
			Text:  text,
		})
	}
	res.Text = strings.Join(parts, " ")
	return res, nil
}
