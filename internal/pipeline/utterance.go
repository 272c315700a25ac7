package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/whisperflow/internal/observe"
	"github.com/MrWong99/whisperflow/internal/segment"
	"github.com/MrWong99/whisperflow/internal/session"
	"github.com/MrWong99/whisperflow/pkg/audio"
	"github.com/MrWong99/whisperflow/pkg/provider/stt"
	"github.com/MrWong99/whisperflow/pkg/provider/vad"
)

// process runs one finalised segment through confirm, transcribe and
// persist. Every failure ends processing of this segment only.
func (p *Pipeline) process(ctx context.Context, seg *segment.Segment) {
	ctx, span := observe.StartSpan(ctx, "utterance", trace.WithAttributes(
		attribute.Int64("segment.id", int64(seg.ID)),
		attribute.String("segment.reason", string(seg.Reason)),
		attribute.Float64("segment.duration_s", seg.Duration().Seconds()),
	))
	defer span.End()
	log := observe.Logger(ctx).With("segment", seg.ID)

	samples := seg.Samples()
	rate := seg.SampleRate()

	ranges, err := p.confirm(ctx, samples, rate)
	if err != nil {
		p.metrics.RecordSegment(ctx, observe.OutcomeFailed, observe.Attr("stage", "confirm"))
		p.update(func(s *Status) { s.Failed++ })
		p.report(ctx, &ConfirmationError{SegmentID: seg.ID, Err: err})
		return
	}
	if len(ranges) == 0 {
		p.metrics.RecordSegment(ctx, observe.OutcomeRejected)
		p.update(func(s *Status) { s.Rejected++ })
		log.Info("no speech confirmed, discarding utterance", "duration", seg.Duration())
		return
	}
	p.metrics.RecordSegment(ctx, observe.OutcomeConfirmed)
	p.update(func(s *Status) { s.Confirmed++ })

	pcm := seg.PCM()
	wav, err := audio.EncodeWAV(pcm, rate, 1)
	if err != nil {
		p.update(func(s *Status) { s.Failed++ })
		p.report(ctx, &PersistenceError{SegmentID: seg.ID, Op: "encode_wav", Err: err})
		return
	}

	name := fmt.Sprintf("chunk_%d.wav", seg.End.Unix())
	chunkFile, err := p.persist(ctx, "save_chunk_audio", func(ctx context.Context) (string, error) {
		return p.store.SaveChunkAudio(ctx, name, wav)
	})
	if err != nil {
		p.report(ctx, &PersistenceError{SegmentID: seg.ID, Op: "save_chunk_audio", Err: err})
		if chunkFile == "" {
			chunkFile = name
		}
	}

	res, err := p.transcribe(ctx, name, wav, pcm, rate)
	if err != nil {
		p.update(func(s *Status) { s.Failed++ })
		p.metrics.RecordSegment(ctx, observe.OutcomeFailed, observe.Attr("stage", "transcribe"))
		p.report(ctx, &TranscriptionError{SegmentID: seg.ID, Err: err})
		return
	}

	text := strings.TrimSpace(res.Text)
	rec := session.ChunkRecord{
		ChunkFile:     chunkFile,
		Timestamp:     session.Timestamp(seg.End),
		Transcription: text,
		SegmentID:     seg.ID,
		Duration:      seg.Duration().Seconds(),
		Language:      res.Language,
		Provider:      res.Provider,
		Segments:      res.Segments,
		Words:         res.Words,
		SpeechRanges:  ranges,
	}
	if p.corrector != nil {
		if corrected, corrections := p.corrector.Correct(text); len(corrections) > 0 {
			rec.RawTranscription = text
			rec.Transcription = corrected
			rec.Corrections = corrections
			log.Debug("vocabulary corrections applied", "count", len(corrections))
		}
	}

	if _, err := p.persist(ctx, "append_chunk", func(ctx context.Context) (string, error) {
		return "", p.store.AppendChunk(ctx, rec)
	}); err != nil {
		p.report(ctx, &PersistenceError{SegmentID: seg.ID, Op: "append_chunk", Err: err})
		return
	}
	p.update(func(s *Status) {
		s.Records++
		s.LastTranscript = rec.Transcription
	})
	log.Info("utterance transcribed", "text", rec.Transcription, "provider", rec.Provider, "chunk", chunkFile)
}

func (p *Pipeline) confirm(ctx context.Context, samples []int16, rate int) (ranges []vad.SpeechRange, err error) {
	ctx, span := observe.StartSpan(ctx, "confirm")
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	ranges, err = p.confirmer.Detect(ctx, samples, rate)
	p.metrics.ConfirmDuration.Record(ctx, time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("vad.ranges", len(ranges)))
	return ranges, err
}

func (p *Pipeline) transcribe(ctx context.Context, name string, wav, pcm []byte, rate int) (res *stt.Result, err error) {
	ctx, span := observe.StartSpan(ctx, "transcribe")
	defer func() { observe.EndSpan(span, err) }()

	req := stt.Request{
		Audio:      wav,
		PCM:        pcm,
		Filename:   name,
		SampleRate: rate,
		Channels:   1,
		Language:   p.cfg.Language,
	}
	if p.corrector != nil {
		if vocab := p.corrector.Vocabulary(); len(vocab) > 0 {
			req.Keywords = vocab
			req.Prompt = strings.Join(vocab, ", ")
		}
	}

	start := time.Now()
	res, err = p.stt.Transcribe(ctx, req)
	p.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds())

	provider := p.cfg.TranscriberName
	if err != nil {
		kind := "unknown"
		var se *stt.Error
		if errors.As(err, &se) {
			kind = string(se.Kind)
			provider = se.Provider
		}
		p.metrics.RecordProviderRequest(ctx, provider, "stt", "error")
		p.metrics.RecordProviderError(ctx, provider, kind)
		return nil, err
	}
	if res.Provider != "" {
		provider = res.Provider
	}
	p.metrics.RecordProviderRequest(ctx, provider, "stt", "ok")
	span.SetAttributes(attribute.String("stt.provider", provider))
	return res, nil
}

// persist wraps a store call in a span.
func (p *Pipeline) persist(ctx context.Context, op string, fn func(context.Context) (string, error)) (out string, err error) {
	ctx, span := observe.StartSpan(ctx, "persist", trace.WithAttributes(attribute.String("op", op)))
	defer func() { observe.EndSpan(span, err) }()
	return fn(ctx)
}
