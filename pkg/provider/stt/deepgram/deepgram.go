// Package deepgram transcribes utterances through the Deepgram streaming
// WebSocket API.
//
// Each utterance opens a short-lived stream: the PCM is sent in chunks,
// CloseStream asks Deepgram to flush, and every final result received before
// the closing Metadata message is joined into one transcription.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/whisperflow/pkg/provider/stt"
)

const (
	providerName      = "deepgram"
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// chunkBytes is 100 ms of 16 kHz mono PCM.
	chunkBytes = 3200
)

var _ stt.Transcriber = (*Transcriber)(nil)

// Option is a functional option for configuring the Transcriber.
type Option func(*Transcriber)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(t *Transcriber) { t.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(t *Transcriber) { t.language = language }
}

// WithEndpoint overrides the streaming endpoint, mainly for tests.
func WithEndpoint(endpoint string) Option {
	return func(t *Transcriber) { t.endpoint = endpoint }
}

// Transcriber implements stt.Transcriber backed by the Deepgram streaming API.
type Transcriber struct {
	apiKey   string
	endpoint string
	model    string
	language string
}

// New creates a new Deepgram Transcriber. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	t := &Transcriber{
		apiKey:   apiKey,
		endpoint: deepgramEndpoint,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Transcribe streams req.PCM to Deepgram and collects the final results.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if len(req.PCM) == 0 {
		return nil, stt.ResponseError(providerName, errors.New("empty audio"))
	}
	wsURL, err := t.buildURL(req)
	if err != nil {
		return nil, stt.ResponseError(providerName, fmt.Errorf("build URL: %w", err))
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+t.apiKey)
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, stt.StatusError(providerName, resp.StatusCode, fmt.Errorf("dial: %w", err))
		}
		return nil, stt.TransportError(providerName, fmt.Errorf("dial: %w", err))
	}
	defer conn.CloseNow()

	var finals []result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for off := 0; off < len(req.PCM); off += chunkBytes {
			end := min(off+chunkBytes, len(req.PCM))
			if err := conn.Write(gctx, websocket.MessageBinary, req.PCM[off:end]); err != nil {
				return fmt.Errorf("send audio: %w", err)
			}
		}
		if err := conn.Write(gctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
			return fmt.Errorf("send CloseStream: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		for {
			_, msg, err := conn.Read(gctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return nil
				}
				return fmt.Errorf("read: %w", err)
			}
			r, kind := parseMessage(msg)
			switch kind {
			case messageMetadata:
				return nil
			case messageResults:
				if r.isFinal && r.text != "" {
					finals = append(finals, r)
				}
			}
		}
	})
	if err := g.Wait(); err != nil {
		return nil, stt.TransportError(providerName, err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "utterance complete")

	return assemble(finals, t.languageFor(req), req.Duration()), nil
}

func (t *Transcriber) languageFor(req stt.Request) string {
	if req.Language != "" {
		return req.Language
	}
	return t.language
}

// buildURL constructs the streaming endpoint URL for req.
func (t *Transcriber) buildURL(req stt.Request) (string, error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return "", err
	}
	sr := req.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	ch := req.Channels
	if ch == 0 {
		ch = 1
	}

	q := u.Query()
	q.Set("model", t.model)
	q.Set("language", t.languageFor(req))
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(ch))
	for _, kw := range req.Keywords {
		q.Add("keyterm", kw)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- response parsing ----

type messageKind int

const (
	messageOther messageKind = iota
	messageResults
	messageMetadata
)

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word           string  `json:"word"`
				PunctuatedWord string  `json:"punctuated_word"`
				Start          float64 `json:"start"`
				End            float64 `json:"end"`
				Confidence     float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type result struct {
	text    string
	isFinal bool
	segment stt.Segment
	words   []stt.WordDetail
}

func parseMessage(data []byte) (result, messageKind) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, messageOther
	}
	switch resp.Type {
	case "Metadata":
		return result{}, messageMetadata
	case "Results":
	default:
		return result{}, messageOther
	}
	if len(resp.Channel.Alternatives) == 0 {
		return result{}, messageOther
	}

	alt := resp.Channel.Alternatives[0]
	r := result{
		text:    strings.TrimSpace(alt.Transcript),
		isFinal: resp.IsFinal,
		segment: stt.Segment{
			Start: stt.Seconds(resp.Start),
			End:   stt.Seconds(resp.Start + resp.Duration),
			Text:  strings.TrimSpace(alt.Transcript),
		},
	}
	for _, w := range alt.Words {
		word := w.PunctuatedWord
		if word == "" {
			word = w.Word
		}
		r.words = append(r.words, stt.WordDetail{
			Word:       word,
			Start:      stt.Seconds(w.Start),
			End:        stt.Seconds(w.End),
			Confidence: w.Confidence,
		})
	}
	return r, messageResults
}

func assemble(finals []result, language string, d time.Duration) *stt.Result {
	res := &stt.Result{Language: language, Duration: d, Provider: providerName}
	texts := make([]string, 0, len(finals))
	for i, f := range finals {
		texts = append(texts, f.text)
		seg := f.segment
		seg.ID = i
		res.Segments = append(res.Segments, seg)
		res.Words = append(res.Words, f.words...)
	}
	res.Text = strings.Join(texts, " ")
	return res
}
