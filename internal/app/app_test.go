package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/whisperflow/internal/app"
	"github.com/MrWong99/whisperflow/internal/config"
	sessionmock "github.com/MrWong99/whisperflow/internal/session/mock"
	"github.com/MrWong99/whisperflow/pkg/audio"
	audiomock "github.com/MrWong99/whisperflow/pkg/audio/mock"
	"github.com/MrWong99/whisperflow/pkg/provider/stt"
	sttmock "github.com/MrWong99/whisperflow/pkg/provider/stt/mock"
	"github.com/MrWong99/whisperflow/pkg/provider/vad"
	vadmock "github.com/MrWong99/whisperflow/pkg/provider/vad/mock"
)

var format = audio.Format{SampleRate: 16000, Channels: 1, FrameSize: 512}

// testConfig returns a defaulted config listening on a random local port.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Providers: config.ProvidersConfig{
			Audio:         config.ProviderEntry{Name: "mock"},
			VAD:           config.ProviderEntry{Name: "mock"},
			Transcription: config.ProviderEntry{Name: "primary"},
		},
		Transcription: config.TranscriptionConfig{
			Vocabulary: []string{"Eldrinax"},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// utterance returns calibration noise followed by one spoken segment.
func utterance() []audio.Frame {
	var frames []audio.Frame
	frames = append(frames, audiomock.Constant(format, 93, 100)...)
	frames = append(frames, audiomock.Constant(format, 10, 100)...)
	frames = append(frames, audiomock.Constant(format, 13, 5000)...)
	frames = append(frames, audiomock.Constant(format, 45, 100)...)
	return frames
}

func testProviders(src *audiomock.Source, tr stt.Transcriber) *app.Providers {
	return &app.Providers{
		Source:      src,
		Confirmer:   &vadmock.Confirmer{Ranges: []vad.SpeechRange{{StartSample: 0, EndSample: 8000}}},
		Transcriber: app.NamedTranscriber{Name: "primary", Transcriber: tr},
	}
}

func newApp(t *testing.T, cfg *config.Config, p *app.Providers, store *sessionmock.Store, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{
		app.WithSessionStore(store),
		app.WithGatherer(prometheus.NewRegistry()),
	}, opts...)
	a, err := app.New(context.Background(), cfg, p, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	if _, err := app.New(context.Background(), cfg, nil); err == nil {
		t.Error("New(nil providers) returned nil error")
	}
	if _, err := app.New(context.Background(), cfg, &app.Providers{Source: &audiomock.Source{}}); err == nil {
		t.Error("New() without transcriber returned nil error")
	}
}

func TestNew_ListenerFailureClosesSource(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.ListenAddr = "not-an-address"
	src := &audiomock.Source{SourceFormat: format}
	store := &sessionmock.Store{}

	_, err := app.New(context.Background(), cfg, testProviders(src, &sttmock.Transcriber{}),
		app.WithSessionStore(store))
	if err == nil {
		t.Fatal("New() returned nil error for a bad listen address")
	}
	if !src.Closed {
		t.Error("source was not closed after a failed New")
	}
	if store.Closed != 1 {
		t.Errorf("store Closed = %d, want 1", store.Closed)
	}
}

func TestApp_RunRecordsSession(t *testing.T) {
	t.Parallel()

	src := &audiomock.Source{SourceFormat: format}
	src.Append(utterance()...)
	tr := &sttmock.Transcriber{Result: &stt.Result{Text: "We met elder nacks."}}
	store := &sessionmock.Store{}

	a := newApp(t, testConfig(), testProviders(src, tr), store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	recs := store.RecordsSnapshot()
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Transcription != "We met Eldrinax." {
		t.Errorf("Transcription = %q, want corrected transcript", recs[0].Transcription)
	}
	if store.Summary == nil || store.Summary.Chunks != 1 {
		t.Errorf("Summary = %+v, want one chunk", store.Summary)
	}
	if st := a.Status(); st.Running || st.Records != 1 {
		t.Errorf("Status = %+v, want stopped with one record", st)
	}
}

func TestApp_FallbackTranscriber(t *testing.T) {
	t.Parallel()

	src := &audiomock.Source{SourceFormat: format}
	src.Append(utterance()...)
	primary := &sttmock.Transcriber{Err: stt.StatusError("primary", 503, errors.New("unavailable"))}
	backup := &sttmock.Transcriber{Result: &stt.Result{Text: "hello"}}
	store := &sessionmock.Store{}

	p := testProviders(src, primary)
	p.Fallbacks = []app.NamedTranscriber{{Name: "backup", Transcriber: backup}}
	a := newApp(t, testConfig(), p, store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	if primary.CallCount() != 1 || backup.CallCount() != 1 {
		t.Errorf("calls primary=%d backup=%d, want 1 each", primary.CallCount(), backup.CallCount())
	}
	recs := store.RecordsSnapshot()
	if len(recs) != 1 || recs[0].Transcription != "hello" {
		t.Fatalf("records = %+v, want one from the fallback", recs)
	}
}

func TestApp_ArchivesToS3(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		puts []string
	)
	s3srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if r.Method == http.MethodPut {
			mu.Lock()
			puts = append(puts, r.URL.Path)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s3srv.Close)

	cfg := testConfig()
	cfg.Session.Dir = t.TempDir()
	cfg.Session.S3 = config.S3Config{
		Bucket:          "sessions",
		Region:          "us-east-1",
		Endpoint:        s3srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		PathStyle:       true,
	}

	src := &audiomock.Source{SourceFormat: format}
	src.Append(utterance()...)
	p := testProviders(src, &sttmock.Transcriber{Result: &stt.Result{Text: "hello"}})
	a, err := app.New(context.Background(), cfg, p, app.WithGatherer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var chunk, summary bool
	for _, p := range puts {
		chunk = chunk || strings.HasSuffix(p, ".wav")
		summary = summary || strings.HasSuffix(p, "/summary.json")
	}
	if !chunk || !summary {
		t.Errorf("uploads = %v, want a chunk and the summary", puts)
	}
	if st := a.Status(); st.Records != 1 || st.PersistenceErrors != 0 {
		t.Errorf("Status = %+v, want one record and no persistence errors", st)
	}
}

func TestApp_ServesHealthAndStatus(t *testing.T) {
	t.Parallel()

	src := &audiomock.Source{SourceFormat: format, BlockAtEnd: true}
	src.Append(audiomock.Constant(format, 93, 100)...)
	store := &sessionmock.Store{}
	a := newApp(t, testConfig(), testProviders(src, &sttmock.Transcriber{}), store)

	base := "http://" + a.Addr()
	if a.Addr() == "" {
		t.Fatal("Addr() is empty")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("/readyz never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get(base + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var st struct {
		Calibrated bool    `json:"calibrated"`
		Running    bool    `json:"running"`
		Threshold  float64 `json:"threshold"`
	}
	err = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	if !st.Calibrated || !st.Running || st.Threshold != 2100 {
		t.Errorf("/status = %+v, want calibrated and running at 2100", st)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	if _, err := http.Get(base + "/healthz"); err == nil {
		t.Error("server still accepting requests after Run returned")
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	src := &audiomock.Source{SourceFormat: format}
	store := &sessionmock.Store{}
	a := newApp(t, testConfig(), testProviders(src, &sttmock.Transcriber{}), store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Second call is a no-op.
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}

	if !src.Closed {
		t.Error("source not closed")
	}
	if store.Closed != 1 {
		t.Errorf("store Closed = %d, want 1", store.Closed)
	}
}

func TestApp_ShutdownDeadline(t *testing.T) {
	t.Parallel()

	src := &audiomock.Source{SourceFormat: format}
	a := newApp(t, testConfig(), testProviders(src, &sttmock.Transcriber{}), &sessionmock.Store{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() = %v, want context.Canceled", err)
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	cfg := testConfig()
	a := newApp(t, cfg, testProviders(&audiomock.Source{SourceFormat: format}, &sttmock.Transcriber{}),
		&sessionmock.Store{}, app.WithLogLevel(level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Transcription.Vocabulary = []string{"Eldrinax", "Tower of Whispers"}
	next.Segmenter.NoiseSensitivityMargin = 500

	a.Reload(cfg, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(strings.ToUpper(string(tt.in)), func(t *testing.T) {
			if got := app.SlogLevel(tt.in); got != tt.want {
				t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
