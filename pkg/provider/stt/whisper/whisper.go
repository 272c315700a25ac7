// Package whisper transcribes utterances with whisper.cpp, either through a
// running whisper-server (POST /inference) or in-process via the CGO
// bindings (see [NativeTranscriber]).
//
// Usage:
//
//	t, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	res, err := t.Transcribe(ctx, stt.Request{Audio: wavBytes, Filename: "chunk.wav"})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/whisperflow/pkg/provider/stt"
)

const (
	providerName    = "whisper"
	defaultLanguage = "en"
	defaultTimeout  = 60 * time.Second

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4 << 10
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(t *Transcriber) { t.model = model }
}

// WithLanguage sets the BCP-47 language code sent to the server. Defaults to
// "en".
func WithLanguage(lang string) Option {
	return func(t *Transcriber) { t.language = lang }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(t *Transcriber) { t.httpClient = hc }
}

// Transcriber implements stt.Transcriber against a whisper.cpp HTTP server.
type Transcriber struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Transcriber for the server at serverURL (e.g.,
// "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Transcriber, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	t := &Transcriber{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// inferenceResponse is the verbose_json body returned by whisper-server.
// Plain "json" responses only carry Text.
type inferenceResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		ID    int     `json:"id"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
		Words []struct {
			Word        string  `json:"word"`
			Start       float64 `json:"start"`
			End         float64 `json:"end"`
			Probability float64 `json:"probability"`
		} `json:"words"`
	} `json:"segments"`
}

// Transcribe POSTs req.Audio to /inference as multipart/form-data.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if len(req.Audio) == 0 {
		return nil, stt.ResponseError(providerName, errors.New("empty audio"))
	}
	body, contentType, err := t.buildForm(req)
	if err != nil {
		return nil, stt.ResponseError(providerName, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serverURL+"/inference", body)
	if err != nil {
		return nil, stt.TransportError(providerName, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, stt.TransportError(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, stt.StatusError(providerName, resp.StatusCode, fmt.Errorf("server said: %s", strings.TrimSpace(string(msg))))
	}

	var ir inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, stt.ResponseError(providerName, fmt.Errorf("decode response: %w", err))
	}
	return ir.toResult(), nil
}

func (t *Transcriber) buildForm(req stt.Request) (io.Reader, string, error) {
	filename := req.Filename
	if filename == "" {
		filename = "audio.wav"
	}
	lang := req.Language
	if lang == "" {
		lang = t.language
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(req.Audio); err != nil {
		return nil, "", fmt.Errorf("write wav data: %w", err)
	}

	fields := [][2]string{
		{"response_format", "verbose_json"},
		{"temperature", "0.0"},
	}
	if lang != "" {
		fields = append(fields, [2]string{"language", lang})
	}
	if t.model != "" {
		fields = append(fields, [2]string{"model", t.model})
	}
	if req.Prompt != "" {
		fields = append(fields, [2]string{"prompt", req.Prompt})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write %s field: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

func (ir inferenceResponse) toResult() *stt.Result {
	res := &stt.Result{
		Text:     strings.TrimSpace(ir.Text),
		Language: ir.Language,
		Duration: stt.Seconds(ir.Duration),
		Provider: providerName,
	}
	for _, s := range ir.Segments {
		res.Segments = append(res.Segments, stt.Segment{
			ID:    s.ID,
			Start: stt.Seconds(s.Start),
			End:   stt.Seconds(s.End),
			Text:  strings.TrimSpace(s.Text),
		})
		for _, w := range s.Words {
			res.Words = append(res.Words, stt.WordDetail{
				Word:       strings.TrimSpace(w.Word),
				Start:      stt.Seconds(w.Start),
				End:        stt.Seconds(w.End),
				Confidence: w.Probability,
			})
		}
	}
	return res
}
