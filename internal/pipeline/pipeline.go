// Package pipeline runs a recording session: it calibrates the ambient noise
// threshold, segments the live audio stream into utterances, confirms each
// utterance with a voice model, transcribes it and persists the result.
//
// Three goroutines are connected by bounded queues:
//
//	capture ──frames──▶ segmentation ──segments──▶ utterance worker
//
// Capture never blocks on downstream work: when the frame queue is full the
// oldest queued frame is dropped and a warning is logged. The segment queue
// applies backpressure to segmentation instead, which then lets the frame
// queue absorb (and, under sustained overload, drop) the audio.
//
// Failures of the confirmer, transcriber or store are isolated to the
// segment they occurred in. Only a failing audio source ([DeviceError]) or a
// malformed frame ends the session early.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/whisperflow/internal/observe"
	"github.com/MrWong99/whisperflow/internal/segment"
	"github.com/MrWong99/whisperflow/internal/session"
	"github.com/MrWong99/whisperflow/internal/transcript"
	"github.com/MrWong99/whisperflow/pkg/audio"
	"github.com/MrWong99/whisperflow/pkg/provider/stt"
	"github.com/MrWong99/whisperflow/pkg/provider/vad"
)

// Config holds the session parameters. Zero values are replaced by the
// defaults noted on each field.
type Config struct {
	// SilenceDuration ends an utterance. Default: 1.25s.
	SilenceDuration time.Duration

	// NoiseMargin is added to the mean ambient peak. Default: 2000.
	NoiseMargin float64

	// CalibrationDuration is how much audio is profiled. Default: 3s.
	CalibrationDuration time.Duration

	// PreRollFrames is the pre-roll capacity. Default: 3.
	PreRollFrames int

	// PreRollMode selects how much pre-roll is prepended. Default: full.
	PreRollMode segment.PreRollMode

	// FrameQueueCapacity bounds the capture queue. Default: 256.
	FrameQueueCapacity int

	// UtteranceQueueCapacity bounds the segment queue. Default: 8.
	UtteranceQueueCapacity int

	// ShutdownFlushTimeout bounds the work done after a stop request.
	// Default: 15s.
	ShutdownFlushTimeout time.Duration

	// FullAudioInterval is how much audio is batched per PersistFullAudio
	// call. Default: 1s.
	FullAudioInterval time.Duration

	// Language is passed to the transcriber. Empty means provider default.
	Language string

	// SessionID names the session. Default: derived from the start time.
	SessionID string

	// SourceName and TranscriberName are recorded in the session info.
	SourceName      string
	TranscriberName string
}

func (c *Config) applyDefaults() {
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = 1250 * time.Millisecond
	}
	if c.NoiseMargin == 0 {
		c.NoiseMargin = 2000
	}
	if c.CalibrationDuration <= 0 {
		c.CalibrationDuration = 3 * time.Second
	}
	if c.PreRollFrames <= 0 {
		c.PreRollFrames = 3
	}
	if c.PreRollMode == "" {
		c.PreRollMode = segment.PreRollFull
	}
	if c.FrameQueueCapacity <= 0 {
		c.FrameQueueCapacity = 256
	}
	if c.UtteranceQueueCapacity <= 0 {
		c.UtteranceQueueCapacity = 8
	}
	if c.ShutdownFlushTimeout <= 0 {
		c.ShutdownFlushTimeout = 15 * time.Second
	}
	if c.FullAudioInterval <= 0 {
		c.FullAudioInterval = time.Second
	}
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithCorrector enables vocabulary correction of transcripts. Its vocabulary
// is also sent to the transcriber as a prompt.
func WithCorrector(c *transcript.Corrector) Option {
	return func(p *Pipeline) { p.corrector = c }
}

// WithFixedThreshold skips calibration and uses threshold instead.
func WithFixedThreshold(threshold float64) Option {
	return func(p *Pipeline) { p.fixedThreshold = &threshold }
}

// WithErrorHandler registers fn to receive every recoverable per-segment
// error ([*ConfirmationError], [*TranscriptionError], [*PersistenceError])
// after it has been logged. fn is called from pipeline goroutines.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// WithClock overrides the wall clock used for session start and end times.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline owns one recording session. Create it with [New] and call
// [Pipeline.Run] once.
type Pipeline struct {
	cfg       Config
	src       audio.Source
	confirmer vad.Confirmer
	stt       stt.Transcriber
	store     session.Store

	corrector      *transcript.Corrector
	metrics        *observe.Metrics
	fixedThreshold *float64
	onError        func(error)
	now            func() time.Time

	started atomic.Bool

	mu     sync.Mutex
	status Status
}

// New validates cfg and returns a Pipeline. A nil confirmer confirms every
// segment.
func New(cfg Config, src audio.Source, confirmer vad.Confirmer, tr stt.Transcriber, store session.Store, opts ...Option) (*Pipeline, error) {
	cfg.applyDefaults()
	var errs []error
	if src == nil {
		errs = append(errs, errors.New("audio source is required"))
	}
	if tr == nil {
		errs = append(errs, errors.New("transcriber is required"))
	}
	if store == nil {
		errs = append(errs, errors.New("session store is required"))
	}
	if !cfg.PreRollMode.IsValid() {
		errs = append(errs, fmt.Errorf("invalid pre-roll mode %q", cfg.PreRollMode))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if confirmer == nil {
		confirmer = vad.PassThrough{}
	}

	p := &Pipeline{
		cfg:       cfg,
		src:       src,
		confirmer: confirmer,
		stt:       tr,
		store:     store,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p, nil
}

// Run calibrates, then records until ctx is cancelled, the source ends
// (io.EOF) or the source fails.
//
// On cancellation or source failure the open utterance is finalised and the
// queued utterances are still processed, bounded by ShutdownFlushTimeout.
// At the end of a finite source all queued utterances are processed without
// a time limit. Run returns nil after a stop or end of input, a
// [*segment.CalibrationError] if calibration failed, or a [*DeviceError]
// if the source failed mid-session.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("pipeline: Run called twice")
	}

	threshold, err := p.calibrate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("stopped during calibration")
			return nil
		}
		return err
	}
	engine, err := segment.NewEngine(segment.Config{
		Threshold:       threshold,
		SilenceDuration: p.cfg.SilenceDuration,
		PreRollFrames:   p.cfg.PreRollFrames,
		PreRollMode:     p.cfg.PreRollMode,
	})
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	format := p.src.Format()
	startedAt := p.now()
	info := session.Info{
		ID:          p.cfg.SessionID,
		StartedAt:   startedAt,
		SampleRate:  format.SampleRate,
		Channels:    max(format.Channels, 1),
		Threshold:   threshold,
		Source:      p.cfg.SourceName,
		Transcriber: p.cfg.TranscriberName,
	}
	if info.ID == "" {
		info.ID = session.NewID(startedAt)
	}
	if err := p.store.Start(ctx, info); err != nil {
		return &PersistenceError{Op: "start", Err: err}
	}

	p.metrics.ActiveSessions.Add(ctx, 1)
	defer p.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	p.update(func(s *Status) {
		s.SessionID = info.ID
		s.StartedAt = startedAt
		s.Running = true
	})
	defer p.update(func(s *Status) { s.Running = false })

	slog.Info("session started",
		"session", info.ID,
		"threshold", threshold,
		"silence", p.cfg.SilenceDuration,
		"pre_roll", p.cfg.PreRollFrames,
		"pre_roll_mode", string(p.cfg.PreRollMode),
	)

	// Work after a stop request runs on a context that outlives ctx by at
	// most ShutdownFlushTimeout.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	aborted := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-aborted:
		case <-done:
			return
		}
		t := time.NewTimer(p.cfg.ShutdownFlushTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			slog.Warn("shutdown flush timeout exceeded, abandoning pending utterances",
				"timeout", p.cfg.ShutdownFlushTimeout)
			cancelWork()
		case <-done:
		}
	}()

	frames := newFrameQueue(p.cfg.FrameQueueCapacity)
	segments := make(chan *segment.Segment, p.cfg.UtteranceQueueCapacity)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer frames.close()
		err := p.capture(gctx, frames)
		if err != nil || gctx.Err() != nil {
			close(aborted)
		}
		return err
	})
	g.Go(func() error {
		defer close(segments)
		return p.segment(workCtx, engine, frames, segments)
	})
	g.Go(func() error {
		for seg := range segments {
			if workCtx.Err() != nil {
				p.update(func(s *Status) { s.Abandoned++ })
				slog.Warn("utterance abandoned", "segment", seg.ID, "duration", seg.Duration())
				continue
			}
			p.process(workCtx, seg)
		}
		return nil
	})
	runErr := g.Wait()

	st := p.Status()
	sum := session.Summary{
		EndedAt:       p.now(),
		Chunks:        st.Records,
		Segments:      st.Segments,
		Rejected:      st.Rejected,
		Failed:        st.Failed,
		AudioDuration: st.AudioDuration,
	}
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ShutdownFlushTimeout)
	defer cancel()
	if err := p.store.Finish(finishCtx, sum); err != nil {
		p.report(finishCtx, &PersistenceError{Op: "finish", Err: err})
	}

	slog.Info("session finished",
		"session", info.ID,
		"segments", st.Segments,
		"confirmed", st.Confirmed,
		"rejected", st.Rejected,
		"records", st.Records,
		"failed", st.Failed,
		"frames_dropped", st.FramesDropped,
		"audio", st.AudioDuration,
	)
	return runErr
}

func (p *Pipeline) calibrate(ctx context.Context) (float64, error) {
	var threshold float64
	if p.fixedThreshold != nil {
		threshold = *p.fixedThreshold
		slog.Info("using fixed ambient threshold", "threshold", threshold)
	} else {
		slog.Info("calibrating ambient noise, stay quiet", "duration", p.cfg.CalibrationDuration)
		cal, err := segment.Calibrate(ctx, p.src, p.cfg.CalibrationDuration, p.cfg.NoiseMargin)
		if err != nil {
			return 0, err
		}
		threshold = cal.Threshold
		slog.Info("calibration complete",
			"threshold", cal.Threshold,
			"mean_peak", cal.MeanPeak,
			"margin", cal.Margin,
			"frames", cal.Frames,
		)
	}
	p.metrics.AmbientThreshold.Record(ctx, threshold)
	p.update(func(s *Status) {
		s.Calibrated = true
		s.Threshold = threshold
	})
	return threshold, nil
}

// capture reads frames until ctx is done or the source ends.
func (p *Pipeline) capture(ctx context.Context, q *frameQueue) error {
	var burst int
	for {
		f, err := p.src.ReadFrame(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, io.EOF):
			slog.Info("audio source ended")
			return nil
		default:
			return &DeviceError{Err: err}
		}

		dropped := q.push(f)
		p.metrics.FramesCaptured.Add(ctx, 1)
		p.metrics.FrameQueueDepth.Record(ctx, int64(q.len()))
		p.update(func(s *Status) {
			s.FramesCaptured++
			s.FramesDropped += uint64(dropped)
		})
		if dropped > 0 {
			p.metrics.FramesDropped.Add(ctx, int64(dropped))
			if burst == 0 {
				slog.Warn("frame queue full, dropping oldest frames", "capacity", p.cfg.FrameQueueCapacity)
			}
			burst += dropped
		} else if burst > 0 {
			slog.Warn("frame queue recovered", "dropped", burst)
			burst = 0
		}
	}
}

// segment feeds the engine until the frame queue is closed, then flushes.
func (p *Pipeline) segment(ctx context.Context, e *segment.Engine, q *frameQueue, out chan<- *segment.Segment) error {
	format := p.src.Format()
	batchSize := max(format.FramesFor(p.cfg.FullAudioInterval), 1)
	batch := make([]audio.Frame, 0, batchSize)

	flushBatch := func() {
		if len(batch) == 0 {
			return
		}
		if err := p.store.PersistFullAudio(ctx, batch); err != nil {
			p.report(ctx, &PersistenceError{Op: "persist_full_audio", Err: err})
		}
		batch = make([]audio.Frame, 0, batchSize)
	}
	emit := func(seg *segment.Segment) {
		flushBatch()
		p.metrics.RecordSegment(ctx, observe.OutcomeFinalized, observe.Attr("reason", string(seg.Reason)))
		p.metrics.UtteranceAudio.Record(ctx, seg.Duration().Seconds())
		p.update(func(s *Status) { s.Segments++ })
		slog.Info("utterance finalised",
			"segment", seg.ID,
			"reason", string(seg.Reason),
			"frames", len(seg.Frames),
			"pre_roll", seg.PreRoll,
			"duration", seg.Duration(),
		)
		out <- seg
	}

	for f := range q.frames() {
		prev := e.State()
		seg, err := e.Push(f)
		if err != nil {
			flushBatch()
			return fmt.Errorf("pipeline: frame %d: %w", f.Seq, err)
		}
		batch = append(batch, f)
		p.update(func(s *Status) { s.AudioDuration += f.Duration() })
		if prev == segment.Idle && e.State() != segment.Idle {
			slog.Debug("audio detected, recording", "frame", f.Seq, "peak", f.Peak())
		}
		if seg != nil {
			emit(seg)
		} else if len(batch) >= batchSize {
			flushBatch()
		}
	}
	if seg := e.Flush(); seg != nil {
		emit(seg)
	}
	flushBatch()
	return nil
}

func (p *Pipeline) report(ctx context.Context, err error) {
	var (
		ce *ConfirmationError
		te *TranscriptionError
		pe *PersistenceError
	)
	switch {
	case errors.As(err, &pe):
		p.metrics.RecordPersistenceError(ctx, pe.Op)
		p.update(func(s *Status) { s.PersistenceErrors++ })
		slog.Warn("persistence failed", "op", pe.Op, "segment", pe.SegmentID, "err", pe.Err)
	case errors.As(err, &te):
		slog.Warn("transcription failed", "segment", te.SegmentID, "err", te.Err)
	case errors.As(err, &ce):
		slog.Warn("voice confirmation failed, discarding segment", "segment", ce.SegmentID, "err", ce.Err)
	default:
		slog.Warn("pipeline error", "err", err)
	}
	if p.onError != nil {
		p.onError(err)
	}
}
