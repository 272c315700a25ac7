package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/whisperflow/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(stt.Request{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "false", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_RequestOverrides(t *testing.T) {
	p, _ := New("key", WithModel("base"), WithLanguage("en"))
	rawURL, err := p.buildURL(stt.Request{Language: "fr-FR", SampleRate: 8000, Keywords: []string{"Groq", "Silero"}})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	q := u.Query()
	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "fr-FR", q.Get("language"))
	assertEqual(t, "sample_rate", "8000", q.Get("sample_rate"))
	if got := q["keyterm"]; len(got) != 2 || got[0] != "Groq" {
		t.Errorf("keyterm = %v", got)
	}
}

// ---- message parsing ----

func TestParseMessage_Final(t *testing.T) {
	msg := `{"type":"Results","is_final":true,"start":1.0,"duration":0.5,"channel":{"alternatives":[
	  {"transcript":"hello world","confidence":0.97,"words":[
	    {"word":"hello","punctuated_word":"Hello","start":1.0,"end":1.2,"confidence":0.99},
	    {"word":"world","start":1.25,"end":1.5,"confidence":0.95}]}]}}`
	r, kind := parseMessage([]byte(msg))
	if kind != messageResults {
		t.Fatalf("kind = %v, want results", kind)
	}
	if !r.isFinal || r.text != "hello world" {
		t.Errorf("result = %+v", r)
	}
	if r.segment.End != 1500*time.Millisecond {
		t.Errorf("segment end = %v", r.segment.End)
	}
	if len(r.words) != 2 || r.words[0].Word != "Hello" || r.words[1].Word != "world" {
		t.Errorf("words = %+v", r.words)
	}
}

func TestParseMessage_Ignored(t *testing.T) {
	for name, msg := range map[string]string{
		"invalid json":       `{not json`,
		"speech started":     `{"type":"SpeechStarted"}`,
		"empty alternatives": `{"type":"Results","channel":{"alternatives":[]}}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, kind := parseMessage([]byte(msg)); kind != messageOther {
				t.Errorf("kind = %v, want other", kind)
			}
		})
	}
	if _, kind := parseMessage([]byte(`{"type":"Metadata","request_id":"x"}`)); kind != messageMetadata {
		t.Errorf("metadata kind = %v", kind)
	}
}

// ---- end to end against a fake server ----

func fakeDeepgram(t *testing.T, received *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token good-key" {
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		for {
			typ, msg, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				received.Add(int64(len(msg)))
				continue
			}
			if strings.Contains(string(msg), "CloseStream") {
				break
			}
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"start":0,"duration":0.4,"channel":{"alternatives":[{"transcript":"first part","words":[]}]}}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"interim"}]}}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"start":0.4,"duration":0.4,"channel":{"alternatives":[{"transcript":"second part"}]}}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Metadata"}`))
		c.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTranscribe_CollectsFinals(t *testing.T) {
	var received atomic.Int64
	srv := fakeDeepgram(t, &received)
	tr, _ := New("good-key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))

	pcm := make([]byte, 16000*2) // one second
	res, err := tr.Transcribe(context.Background(), stt.Request{PCM: pcm, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "first part second part" {
		t.Errorf("Text = %q", res.Text)
	}
	if len(res.Segments) != 2 || res.Segments[1].ID != 1 {
		t.Errorf("Segments = %+v", res.Segments)
	}
	if res.Duration != time.Second {
		t.Errorf("Duration = %v, want 1s", res.Duration)
	}
	if got := received.Load(); got != int64(len(pcm)) {
		t.Errorf("server received %d bytes, want %d", got, len(pcm))
	}
}

func TestTranscribe_AuthFailure(t *testing.T) {
	var received atomic.Int64
	srv := fakeDeepgram(t, &received)
	tr, _ := New("bad-key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))

	_, err := tr.Transcribe(context.Background(), stt.Request{PCM: make([]byte, 320), SampleRate: 16000})
	if !errors.Is(err, stt.ErrAuth) {
		t.Fatalf("got %v, want ErrAuth", err)
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
