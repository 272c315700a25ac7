// Command whisperflow records speech from an audio device, cuts it into
// utterances and writes a timestamped transcript for each session.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/whisperflow/internal/app"
	"github.com/MrWong99/whisperflow/internal/config"
	"github.com/MrWong99/whisperflow/internal/observe"
	"github.com/MrWong99/whisperflow/pkg/audio"
	"github.com/MrWong99/whisperflow/pkg/audio/portaudio"
	"github.com/MrWong99/whisperflow/pkg/audio/wavfile"
	"github.com/MrWong99/whisperflow/pkg/provider/stt"
	"github.com/MrWong99/whisperflow/pkg/provider/stt/deepgram"
	oaistt "github.com/MrWong99/whisperflow/pkg/provider/stt/openai"
	"github.com/MrWong99/whisperflow/pkg/provider/stt/whisper"
	"github.com/MrWong99/whisperflow/pkg/provider/vad"
	"github.com/MrWong99/whisperflow/pkg/provider/vad/energy"
	"github.com/MrWong99/whisperflow/pkg/provider/vad/silero"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0(dev)"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	interactive := flag.Bool("interactive", false, "wait for ENTER before recording starts")
	watch := flag.Bool("watch", true, "reload log level and vocabulary when the config file changes")
	flag.Parse()

	fmt.Printf("WhisperFlow v%s\n", version)

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "whisperflow: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "whisperflow: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("whisperflow starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Transcription.Language)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.Reload)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	if *interactive && !waitForEnter(ctx) {
		return shutdown(application, 0)
	}

	slog.Info("recording, press Ctrl+C to stop")

	code := 0
	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		code = 1
	}

	return shutdown(application, code)
}

// shutdown releases the application and returns code, or 1 when shutdown
// itself failed.
func shutdown(application *app.App, code int) int {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// waitForEnter blocks until a line is read from stdin. It returns false when
// ctx ends first or stdin is closed.
func waitForEnter(ctx context.Context) bool {
	fmt.Println("Press ENTER to start recording (Ctrl+C to quit)")
	line := make(chan bool, 1)
	go func() {
		_, err := bufio.NewReader(os.Stdin).ReadString('\n')
		line <- err == nil
	}()
	select {
	case ok := <-line:
		return ok
	case <-ctx.Done():
		return false
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages. language is the session
// default, overridden by an entry's "language" option; empty keeps each
// provider's own default.
func registerBuiltinProviders(reg *config.Registry, language string) {
	lang := func(entry config.ProviderEntry) string {
		if l := entry.OptionString("language"); l != "" {
			return l
		}
		return language
	}

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("portaudio", func(_ config.ProviderEntry, format audio.Format) (audio.Source, error) {
		return portaudio.New(format)
	})

	reg.RegisterAudio("wavfile", func(entry config.ProviderEntry, format audio.Format) (audio.Source, error) {
		return wavfile.Open(entry.OptionString("path"), format,
			wavfile.WithRealtime(entry.OptionBool("realtime", false)),
			wavfile.WithResample(entry.OptionBool("resample", true)),
		)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("silero", func(entry config.ProviderEntry, format audio.Format) (vad.Confirmer, error) {
		var opts []silero.Option
		if t := entry.OptionFloat("threshold", 0); t > 0 {
			opts = append(opts, silero.WithThreshold(t))
		}
		if ms := entry.OptionInt("min_silence_ms", 0); ms > 0 {
			opts = append(opts, silero.WithMinSilence(ms))
		}
		if ms := entry.OptionInt("speech_pad_ms", 0); ms > 0 {
			opts = append(opts, silero.WithSpeechPad(ms))
		}
		return silero.New(entry.Model, format.SampleRate, opts...)
	})

	reg.RegisterVAD("energy", func(entry config.ProviderEntry, _ audio.Format) (vad.Confirmer, error) {
		return energy.New(energy.Config{
			SpeechLevel:  entry.OptionFloat("speech_level", 0),
			SilenceLevel: entry.OptionFloat("silence_level", 0),
			MinSpeechMs:  entry.OptionInt("min_speech_ms", 0),
		})
	})

	reg.RegisterVAD("none", func(config.ProviderEntry, audio.Format) (vad.Confirmer, error) {
		return vad.PassThrough{}, nil
	})

	// ── Transcription ─────────────────────────────────────────────────────────

	// groq and openai share the OpenAI client; they differ only in the
	// default endpoint.
	for name, baseURL := range map[string]string{"groq": oaistt.GroqBaseURL, "openai": ""} {
		reg.RegisterTranscriber(name, func(entry config.ProviderEntry) (stt.Transcriber, error) {
			opts := []oaistt.Option{
				oaistt.WithName(name),
				oaistt.WithMaxRetries(entry.OptionInt("max_retries", 0)),
			}
			if l := lang(entry); l != "" {
				opts = append(opts, oaistt.WithLanguage(l))
			}
			if u := entry.BaseURL; u != "" {
				opts = append(opts, oaistt.WithBaseURL(u))
			} else if baseURL != "" {
				opts = append(opts, oaistt.WithBaseURL(baseURL))
			}
			if t := entry.OptionFloat("temperature", 0); t > 0 {
				opts = append(opts, oaistt.WithTemperature(t))
			}
			if s := entry.OptionString("timeout"); s != "" {
				d, err := time.ParseDuration(s)
				if err != nil {
					return nil, fmt.Errorf("%s: options.timeout: %w", name, err)
				}
				opts = append(opts, oaistt.WithTimeout(d))
			}
			return oaistt.New(entry.APIKey, entry.Model, opts...)
		})
	}

	reg.RegisterTranscriber("deepgram", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []deepgram.Option
		if l := lang(entry); l != "" {
			opts = append(opts, deepgram.WithLanguage(l))
		}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterTranscriber("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if l := lang(entry); l != "" {
			opts = append(opts, whisper.WithLanguage(l))
		}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterTranscriber("whisper-native", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.NativeOption
		if l := lang(entry); l != "" {
			opts = append(opts, whisper.WithNativeLanguage(l))
		}
		return whisper.NewNative(entry.Model, opts...)
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// Providers created before a failure are closed.
func buildProviders(cfg *config.Config, reg *config.Registry) (ps *app.Providers, err error) {
	format := audio.Format{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		FrameSize:  cfg.Audio.FrameSize,
	}
	ps = &app.Providers{}
	var created []any
	defer func() {
		if err == nil {
			return
		}
		for _, c := range created {
			if closer, ok := c.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
		}
	}()

	vadEntry := cfg.Providers.VAD
	ps.Confirmer, err = reg.CreateVAD(vadEntry, format)
	if err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", vadEntry.Name, err)
	}
	created = append(created, ps.Confirmer)
	slog.Info("provider created", "kind", "vad", "name", vadEntry.Name)

	sttEntry := cfg.Providers.Transcription
	tr, err := reg.CreateTranscriber(sttEntry)
	if err != nil {
		return nil, fmt.Errorf("create transcription provider %q: %w", sttEntry.Name, err)
	}
	created = append(created, tr)
	ps.Transcriber = app.NamedTranscriber{Name: sttEntry.Name, Transcriber: tr}
	slog.Info("provider created", "kind", "transcription", "name", sttEntry.Name)

	for _, fb := range cfg.Providers.TranscriptionFallbacks {
		t, err := reg.CreateTranscriber(fb)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown fallback transcriber, skipping", "name", fb.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create fallback transcriber %q: %w", fb.Name, err)
		}
		created = append(created, t)
		ps.Fallbacks = append(ps.Fallbacks, app.NamedTranscriber{Name: fb.Name, Transcriber: t})
		slog.Info("provider created", "kind", "transcription-fallback", "name", fb.Name)
	}

	// The audio device opens last so nothing captures while other
	// providers are still failing.
	audioEntry := cfg.Providers.Audio
	ps.Source, err = reg.CreateAudio(audioEntry, format)
	if err != nil {
		return nil, fmt.Errorf("create audio provider %q: %w", audioEntry.Name, err)
	}
	slog.Info("provider created", "kind", "audio", "name", audioEntry.Name)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      WhisperFlow — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Audio", cfg.Providers.Audio.Name, "")
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("STT", cfg.Providers.Transcription.Name, cfg.Providers.Transcription.Model)
	for _, fb := range cfg.Providers.TranscriptionFallbacks {
		printProvider("STT fallback", fb.Name, fb.Model)
	}
	fmt.Printf("║  Sample rate     : %-19d ║\n", cfg.Audio.SampleRate)
	fmt.Printf("║  Silence         : %-19s ║\n", cfg.Segmenter.SilenceDuration())
	fmt.Printf("║  Pre-roll        : %-19s ║\n", fmt.Sprintf("%d / %s", cfg.Segmenter.PreRollFrameCount, cfg.Segmenter.PreRollMode))
	fmt.Printf("║  Vocabulary      : %-19d ║\n", len(cfg.Transcription.Vocabulary))
	fmt.Printf("║  Sessions        : %-19s ║\n", truncate(cfg.Session.Dir))
	if cfg.Session.PostgresDSN != "" {
		fmt.Printf("║  Postgres        : %-19s ║\n", "enabled")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, truncate(value))
}

func truncate(s string) string {
	if len(s) > 19 {
		return s[:16] + "…"
	}
	return s
}
