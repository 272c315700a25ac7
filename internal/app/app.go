// Package app wires the WhisperFlow subsystems into a running recorder.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run records one session until the context is cancelled or the
// source ends, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithSessionStore, WithMetrics, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/whisperflow/internal/config"
	"github.com/MrWong99/whisperflow/internal/health"
	"github.com/MrWong99/whisperflow/internal/observe"
	"github.com/MrWong99/whisperflow/internal/pipeline"
	"github.com/MrWong99/whisperflow/internal/resilience"
	"github.com/MrWong99/whisperflow/internal/segment"
	"github.com/MrWong99/whisperflow/internal/session"
	"github.com/MrWong99/whisperflow/internal/session/filestore"
	"github.com/MrWong99/whisperflow/internal/session/postgres"
	"github.com/MrWong99/whisperflow/internal/session/s3store"
	"github.com/MrWong99/whisperflow/internal/transcript"
	"github.com/MrWong99/whisperflow/internal/transcript/phonetic"
	"github.com/MrWong99/whisperflow/pkg/audio"
	"github.com/MrWong99/whisperflow/pkg/provider/stt"
	"github.com/MrWong99/whisperflow/pkg/provider/vad"
)

// NamedTranscriber pairs a transcriber with the name it is reported under.
type NamedTranscriber struct {
	Name        string
	Transcriber stt.Transcriber
}

// Providers holds the collaborators built by main.go via the config
// registry. Source and Transcriber are required; a nil Confirmer confirms
// every segment.
type Providers struct {
	Source      audio.Source
	Confirmer   vad.Confirmer
	Transcriber NamedTranscriber

	// Fallbacks are tried in order when Transcriber fails with a retryable
	// error.
	Fallbacks []NamedTranscriber
}

// App owns all subsystem lifetimes for one recording session.
type App struct {
	cfg       *config.Config
	providers *Providers

	store     session.Store
	records   recordIndex // PostgreSQL mirror, nil when not configured
	corrector *transcript.Corrector
	metrics   *observe.Metrics
	pipeline  *pipeline.Pipeline
	logLevel  *slog.LevelVar
	gatherer  prometheus.Gatherer

	server   *http.Server
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one from config.
func WithSessionStore(s session.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the application the level variable of the process
// logger so that config reloads can change it.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithGatherer sets the Prometheus registry served on /metrics. Default:
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New opens the session store (and PostgreSQL when configured), builds the
// transcriber fallback chain, the vocabulary corrector and the pipeline, and
// binds the HTTP listener. Nothing is recorded until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Source == nil || providers.Transcriber.Transcriber == nil {
		return nil, errors.New("app: audio source and transcriber are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	a.closers = append(a.closers, providers.Source.Close)
	a.addCloser(providers.Confirmer)
	a.addCloser(providers.Transcriber.Transcriber)
	for _, f := range providers.Fallbacks {
		a.addCloser(f.Transcriber)
	}

	// ── 1. Session store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init session store: %w", err)
	}

	// ── 2. Vocabulary corrector ──────────────────────────────────────────
	tc := cfg.Transcription
	a.corrector = transcript.NewCorrector(tc.Vocabulary, phonetic.New(
		phonetic.WithPhoneticThreshold(tc.PhoneticThreshold),
		phonetic.WithFuzzyThreshold(tc.FuzzyThreshold),
	))

	// ── 3. Pipeline ──────────────────────────────────────────────────────
	p, err := a.buildPipeline()
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	a.pipeline = p

	// ── 4. HTTP listener ─────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init http server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// addCloser registers v for Shutdown when it holds native resources.
func (a *App) addCloser(v any) {
	if c, ok := v.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
}

// initStore opens the file store and, when configured, mirrors the records
// into PostgreSQL and an S3 bucket. The file store comes first so that
// records carry its chunk paths.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		a.closers = append(a.closers, a.store.Close)
		return nil
	}
	files := filestore.New(a.cfg.Session.Dir, filestore.WithFullAudio(a.cfg.Session.FullAudio()))
	a.store = files

	stores := []session.Store{files}

	if dsn := a.cfg.Session.PostgresDSN; dsn != "" {
		pg, err := postgres.New(ctx, dsn)
		if err != nil {
			_ = files.Close()
			return err
		}
		stores = append(stores, pg)
		a.records = pg
		slog.Info("mirroring session records to postgres")
	}
	if c := a.cfg.Session.S3; c.Bucket != "" {
		client := s3store.NewClient(s3store.Config{
			Region:          c.Region,
			Endpoint:        c.Endpoint,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
			PathStyle:       c.PathStyle,
		})
		stores = append(stores, s3store.New(client, c.Bucket, c.Prefix))
		slog.Info("archiving sessions to s3", "bucket", c.Bucket, "prefix", c.Prefix)
	}

	if len(stores) > 1 {
		a.store = session.NewMulti(stores...)
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

// transcriber returns the primary transcriber, wrapped in a fallback chain
// when fallbacks are configured.
func (a *App) transcriber() (stt.Transcriber, string) {
	primary := a.providers.Transcriber
	if len(a.providers.Fallbacks) == 0 {
		return primary.Transcriber, primary.Name
	}
	fb := resilience.NewTranscriberFallback(primary.Transcriber, primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("transcriber circuit breaker", "provider", name, "from", from.String(), "to", to.String())
			},
		},
	})
	for _, f := range a.providers.Fallbacks {
		fb.AddFallback(f.Name, f.Transcriber)
	}
	slog.Info("transcriber fallback chain", "providers", fb.Names())
	return fb, primary.Name
}

func (a *App) buildPipeline() (*pipeline.Pipeline, error) {
	seg := a.cfg.Segmenter
	tr, name := a.transcriber()

	opts := []pipeline.Option{
		pipeline.WithMetrics(a.metrics),
		pipeline.WithCorrector(a.corrector),
	}
	if seg.FixedThreshold > 0 {
		opts = append(opts, pipeline.WithFixedThreshold(seg.FixedThreshold))
	}

	return pipeline.New(pipeline.Config{
		SilenceDuration:        seg.SilenceDuration(),
		NoiseMargin:            seg.NoiseSensitivityMargin,
		CalibrationDuration:    seg.CalibrationDuration(),
		PreRollFrames:          seg.PreRollFrameCount,
		PreRollMode:            segment.PreRollMode(seg.PreRollMode),
		FrameQueueCapacity:     seg.FrameQueueCapacity,
		UtteranceQueueCapacity: seg.UtteranceQueueCapacity,
		ShutdownFlushTimeout:   seg.ShutdownFlushTimeout,
		Language:               a.cfg.Transcription.Language,
		SourceName:             a.cfg.Providers.Audio.Name,
		TranscriberName:        name,
	}, a.providers.Source, a.providers.Confirmer, tr, a.store, opts...)
}

// initServer binds the listener for metrics, health and the session
// archive. An empty listen address disables it.
func (a *App) initServer() error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		return nil
	}

	hh := health.New(
		health.Condition("calibration", "ambient threshold not calibrated", func() bool {
			return a.pipeline.Status().Calibrated
		}),
		health.Condition("capture", "capture not running", func() bool {
			return a.pipeline.Status().Running
		}),
	).WithStatus(func() any { return a.pipeline.Status() })

	mux := http.NewServeMux()
	hh.Register(mux)
	(&archiveHandler{root: a.cfg.Session.Dir, sql: a.records}).register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Addr returns the bound HTTP address, or "" when the server is disabled.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Status returns the pipeline status.
func (a *App) Status() pipeline.Status { return a.pipeline.Status() }

// Run serves HTTP and records until ctx is cancelled or the source ends. It
// returns the pipeline's error; a stop request or end of input yields nil.
func (a *App) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	if a.server != nil {
		go func() {
			slog.Info("serving metrics and health", "addr", a.Addr())
			if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()
	} else {
		close(serveErr)
	}

	err := a.pipeline.Run(ctx)

	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if serr := a.server.Shutdown(shutdownCtx); serr != nil {
			slog.Warn("http server shutdown", "err", serr)
		}
	}
	if serr := <-serveErr; serr != nil {
		slog.Error("http server failed", "err", serr)
	}
	return err
}

// Reload applies the hot-reloadable parts of a config change and logs the
// rest. It is the [config.Watcher] callback.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.VocabularyChanged {
		a.corrector.SetVocabulary(d.NewVocabulary)
		slog.Info("vocabulary updated", "terms", len(a.corrector.Vocabulary()))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect on the next session", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config log level to a slog level. Unknown values map to
// Info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases the audio source, the session store and the listener.
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			// Run closes the server; this covers a Shutdown without Run.
			if err := a.server.Close(); err != nil {
				slog.Warn("http server close", "err", err)
			}
		}
		if a.listener != nil {
			// Already closed when Serve ran.
			_ = a.listener.Close()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	if a.listener != nil {
		_ = a.listener.Close()
	}
}
