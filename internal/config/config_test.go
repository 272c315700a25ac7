package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/whisperflow/internal/config"
	"github.com/MrWong99/whisperflow/pkg/audio"
	audiomock "github.com/MrWong99/whisperflow/pkg/audio/mock"
	"github.com/MrWong99/whisperflow/pkg/provider/stt"
	sttmock "github.com/MrWong99/whisperflow/pkg/provider/stt/mock"
	"github.com/MrWong99/whisperflow/pkg/provider/vad"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
version: 1
server:
  listen_addr: ":9000"
  log_level: debug

audio:
  sample_rate: 16000
  frame_size: 512
  channels: 1

segmenter:
  silence_duration_seconds: 1.5
  noise_sensitivity_margin: 1500
  calibration_duration_seconds: 2
  pre_roll_frame_count: 5
  pre_roll_mode: oldest
  frame_queue_capacity: 128
  utterance_queue_capacity: 4
  shutdown_flush_timeout: 30s

providers:
  audio:
    name: wavfile
    options:
      path: testdata/session.wav
      realtime: true
  vad:
    name: silero
    model: models/silero_vad.onnx
    options:
      threshold: 0.6
      min_silence_ms: 300
  transcription:
    name: groq
    api_key: gsk-test
    model: whisper-large-v3
  transcription_fallbacks:
    - name: whisper
      base_url: http://localhost:8080

session:
  dir: /tmp/sessions
  save_full_audio: false

transcription:
  language: en
  vocabulary:
    - Eldrinax
    - Tower of Whispers
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── schema ───────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("Server = %+v", cfg.Server)
	}
	seg := cfg.Segmenter
	if got := seg.SilenceDuration(); got != 1500*time.Millisecond {
		t.Errorf("SilenceDuration = %v, want 1.5s", got)
	}
	if got := seg.CalibrationDuration(); got != 2*time.Second {
		t.Errorf("CalibrationDuration = %v, want 2s", got)
	}
	if seg.NoiseSensitivityMargin != 1500 || seg.PreRollFrameCount != 5 || seg.PreRollMode != config.PreRollOldest {
		t.Errorf("Segmenter = %+v", seg)
	}
	if seg.ShutdownFlushTimeout != 30*time.Second {
		t.Errorf("ShutdownFlushTimeout = %v", seg.ShutdownFlushTimeout)
	}

	audioEntry := cfg.Providers.Audio
	if audioEntry.OptionString("path") != "testdata/session.wav" || !audioEntry.OptionBool("realtime", false) {
		t.Errorf("audio options = %v", audioEntry.Options)
	}
	vadEntry := cfg.Providers.VAD
	if vadEntry.OptionFloat("threshold", 0) != 0.6 || vadEntry.OptionInt("min_silence_ms", 0) != 300 {
		t.Errorf("vad options = %v", vadEntry.Options)
	}
	if got := len(cfg.Providers.TranscriptionFallbacks); got != 1 {
		t.Errorf("fallbacks = %d, want 1", got)
	}
	if cfg.Session.FullAudio() {
		t.Error("FullAudio = true, want false")
	}
	if len(cfg.Transcription.Vocabulary) != 2 {
		t.Errorf("Vocabulary = %v", cfg.Transcription.Vocabulary)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "")

	if cfg.Version != config.CurrentVersion {
		t.Errorf("Version = %d", cfg.Version)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Audio != (config.AudioConfig{SampleRate: 16000, FrameSize: 512, Channels: 1}) {
		t.Errorf("Audio = %+v", cfg.Audio)
	}
	seg := cfg.Segmenter
	if seg.SilenceDuration() != 1250*time.Millisecond {
		t.Errorf("SilenceDuration = %v", seg.SilenceDuration())
	}
	if seg.NoiseSensitivityMargin != 2000 || seg.PreRollFrameCount != 3 || seg.PreRollMode != config.PreRollFull {
		t.Errorf("Segmenter = %+v", seg)
	}
	if seg.ShutdownFlushTimeout != 15*time.Second {
		t.Errorf("ShutdownFlushTimeout = %v", seg.ShutdownFlushTimeout)
	}
	p := cfg.Providers
	if p.Audio.Name != "portaudio" || p.VAD.Name != "energy" || p.Transcription.Name != "groq" {
		t.Errorf("Providers = %+v", p)
	}
	if cfg.Session.Dir != config.DefaultSessionDir || !cfg.Session.FullAudio() {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if cfg.Transcription.PhoneticThreshold != 0.70 || cfg.Transcription.FuzzyThreshold != 0.85 {
		t.Errorf("Transcription = %+v", cfg.Transcription)
	}
}

func TestLoadFromReader_ExpandsEnv(t *testing.T) {
	t.Setenv("WHISPERFLOW_TEST_KEY", "gsk-secret")
	t.Setenv("WHISPERFLOW_TEST_DSN", "postgres://db/rec")
	t.Setenv("WHISPERFLOW_TEST_S3_SECRET", "minio123")

	cfg := mustLoad(t, `
providers:
  transcription:
    name: groq
    api_key: ${WHISPERFLOW_TEST_KEY}
session:
  postgres_dsn: $WHISPERFLOW_TEST_DSN
  s3:
    bucket: recordings
    access_key_id: minio
    secret_access_key: ${WHISPERFLOW_TEST_S3_SECRET}
`)
	if cfg.Providers.Transcription.APIKey != "gsk-secret" {
		t.Errorf("APIKey = %q", cfg.Providers.Transcription.APIKey)
	}
	if cfg.Session.PostgresDSN != "postgres://db/rec" {
		t.Errorf("PostgresDSN = %q", cfg.Session.PostgresDSN)
	}
	if s3 := cfg.Session.S3; s3.SecretAccessKey != "minio123" || s3.Region != config.DefaultS3Region {
		t.Errorf("S3 = %+v", s3)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("segmenter:\n  silence_seconds: 2\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/whisperflow.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreateUnregistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	format := audio.Format{SampleRate: 16000, Channels: 1, FrameSize: 512}

	if _, err := reg.CreateAudio(config.ProviderEntry{Name: "portaudio"}, format); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateAudio err = %v", err)
	}
	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "silero"}, format); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateVAD err = %v", err)
	}
	if _, err := reg.CreateTranscriber(config.ProviderEntry{Name: "groq"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTranscriber err = %v", err)
	}
}

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	format := audio.Format{SampleRate: 16000, Channels: 1, FrameSize: 512}

	var gotFormat audio.Format
	reg.RegisterAudio("mock", func(_ config.ProviderEntry, f audio.Format) (audio.Source, error) {
		gotFormat = f
		return &audiomock.Source{SourceFormat: f}, nil
	})
	reg.RegisterVAD("none", func(config.ProviderEntry, audio.Format) (vad.Confirmer, error) {
		return vad.PassThrough{}, nil
	})
	var gotKey string
	reg.RegisterTranscriber("mock", func(e config.ProviderEntry) (stt.Transcriber, error) {
		gotKey = e.APIKey
		return &sttmock.Transcriber{Result: &stt.Result{Text: "ok"}}, nil
	})

	src, err := reg.CreateAudio(config.ProviderEntry{Name: "mock"}, format)
	if err != nil || src == nil {
		t.Fatalf("CreateAudio: %v", err)
	}
	if gotFormat != format {
		t.Errorf("factory format = %+v", gotFormat)
	}
	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "none"}, format); err != nil {
		t.Fatalf("CreateVAD: %v", err)
	}
	tr, err := reg.CreateTranscriber(config.ProviderEntry{Name: "mock", APIKey: "k"})
	if err != nil {
		t.Fatalf("CreateTranscriber: %v", err)
	}
	res, err := tr.Transcribe(context.Background(), stt.Request{})
	if err != nil || res.Text != "ok" || gotKey != "k" {
		t.Errorf("Transcribe = %+v, %v (key %q)", res, err, gotKey)
	}

	names := reg.Names()
	if len(names["audio"]) != 1 || names["audio"][0] != "mock" || len(names["transcription"]) != 1 {
		t.Errorf("Names = %v", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("no device")
	reg.RegisterAudio("broken", func(config.ProviderEntry, audio.Format) (audio.Source, error) {
		return nil, boom
	})
	if _, err := reg.CreateAudio(config.ProviderEntry{Name: "broken"}, audio.Format{}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want factory error", err)
	}
}

// ── option helpers ───────────────────────────────────────────────────────────

func TestProviderEntry_Options(t *testing.T) {
	t.Parallel()
	e := config.ProviderEntry{Options: map[string]any{
		"s": "x", "b": true, "f": 0.5, "i": 7, "wrong": []int{1},
	}}
	if e.OptionString("s") != "x" || e.OptionString("wrong") != "" || e.OptionString("missing") != "" {
		t.Error("OptionString")
	}
	if !e.OptionBool("b", false) || !e.OptionBool("missing", true) || e.OptionBool("s", false) {
		t.Error("OptionBool")
	}
	if e.OptionFloat("f", 0) != 0.5 || e.OptionFloat("i", 0) != 7 || e.OptionFloat("missing", 1.5) != 1.5 {
		t.Error("OptionFloat")
	}
	if e.OptionInt("i", 0) != 7 || e.OptionInt("f", 0) != 0 || e.OptionInt("missing", 3) != 3 {
		t.Error("OptionInt")
	}

	var empty config.ProviderEntry
	if empty.OptionString("s") != "" || empty.OptionInt("i", 2) != 2 {
		t.Error("nil Options map")
	}
}
