// Package openai transcribes utterances through an OpenAI-compatible audio
// transcription endpoint using github.com/openai/openai-go.
//
// The same client serves OpenAI itself and Groq, whose API mirrors OpenAI's
// under https://api.groq.com/openai/v1. Requests ask for verbose JSON with
// word and segment timestamps at temperature zero.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/whisperflow/pkg/provider/stt"
)

const (
	// GroqBaseURL is the OpenAI-compatible Groq endpoint.
	GroqBaseURL = "https://api.groq.com/openai/v1"

	// DefaultGroqModel is the Whisper variant hosted by Groq.
	DefaultGroqModel = "whisper-large-v3"

	// DefaultOpenAIModel is OpenAI's hosted Whisper model.
	DefaultOpenAIModel = oai.AudioModelWhisper1

	defaultLanguage = "en"
	defaultTimeout  = 60 * time.Second
)

// Compile-time assertion that Transcriber satisfies stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// config holds optional configuration for the transcriber.
type config struct {
	name        string
	baseURL     string
	language    string
	timeout     time.Duration
	maxRetries  int
	temperature float64
	httpClient  *http.Client
}

// Option is a functional option for [New].
type Option func(*config)

// WithName sets the provider name reported in results and errors. Defaults to
// "groq" when the base URL points at Groq and "openai" otherwise.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithLanguage sets the default BCP-47 language sent with each request.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how often the SDK retries a failed request itself.
// Defaults to 0; fallbacks are handled one level up.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithTemperature sets the sampling temperature. Defaults to 0.
func WithTemperature(t float64) Option {
	return func(c *config) { c.temperature = t }
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// Transcriber implements stt.Transcriber.
type Transcriber struct {
	client      oai.Client
	model       string
	name        string
	language    string
	temperature float64
}

// New constructs a Transcriber. apiKey must be non-empty. An empty model
// selects the default for the endpoint.
func New(apiKey, model string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	cfg := &config{
		language: defaultLanguage,
		timeout:  defaultTimeout,
	}
	for _, o := range opts {
		o(cfg)
	}

	isGroq := strings.Contains(cfg.baseURL, "groq.com")
	if cfg.name == "" {
		cfg.name = "openai"
		if isGroq {
			cfg.name = "groq"
		}
	}
	if model == "" {
		model = DefaultOpenAIModel
		if isGroq {
			model = DefaultGroqModel
		}
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.timeout}
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Transcriber{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		name:        cfg.name,
		language:    cfg.language,
		temperature: cfg.temperature,
	}, nil
}

// Name returns the provider name.
func (t *Transcriber) Name() string { return t.name }

// Transcribe uploads req.Audio and returns the verbose transcription.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if len(req.Audio) == 0 {
		return nil, stt.ResponseError(t.name, errors.New("empty audio"))
	}
	filename := req.Filename
	if filename == "" {
		filename = "audio.wav"
	}
	lang := req.Language
	if lang == "" {
		lang = t.language
	}

	params := oai.AudioTranscriptionNewParams{
		File:                   oai.File(bytes.NewReader(req.Audio), filename, "audio/wav"),
		Model:                  oai.AudioModel(t.model),
		ResponseFormat:         oai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"word", "segment"},
		Temperature:            oai.Float(t.temperature),
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}
	if req.Prompt != "" {
		params.Prompt = oai.String(req.Prompt)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, t.classify(err)
	}

	res, err := parseVerbose(resp.RawJSON())
	if err != nil {
		return nil, stt.ResponseError(t.name, err)
	}
	if res.Text == "" {
		res.Text = strings.TrimSpace(resp.Text)
	}
	res.Provider = t.name
	return res, nil
}

func (t *Transcriber) classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return stt.StatusError(t.name, apiErr.StatusCode, err)
	}
	return stt.TransportError(t.name, err)
}

// verboseResponse is the verbose_json body shared by OpenAI and Groq.
type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		ID    int     `json:"id"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
	Words []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

func parseVerbose(raw string) (*stt.Result, error) {
	if raw == "" {
		return &stt.Result{}, nil
	}
	var v verboseResponse
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode verbose transcription: %w", err)
	}
	res := &stt.Result{
		Text:     strings.TrimSpace(v.Text),
		Language: v.Language,
		Duration: stt.Seconds(v.Duration),
	}
	for _, s := range v.Segments {
		res.Segments = append(res.Segments, stt.Segment{
			ID:    s.ID,
			Start: stt.Seconds(s.Start),
			End:   stt.Seconds(s.End),
			Text:  strings.TrimSpace(s.Text),
		})
	}
	for _, w := range v.Words {
		res.Words = append(res.Words, stt.WordDetail{
			Word:  w.Word,
			Start: stt.Seconds(w.Start),
			End:   stt.Seconds(w.End),
		})
	}
	return res, nil
}
