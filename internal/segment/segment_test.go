package segment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/whisperflow/internal/segment"
	"github.com/MrWong99/whisperflow/pkg/audio"
	"github.com/MrWong99/whisperflow/pkg/audio/mock"
)

var format = audio.Format{SampleRate: 16000, Channels: 1, FrameSize: 512}

const (
	silenceDuration = 1250 * time.Millisecond
	threshold       = 2000.0
	quiet           = int16(100)
	loud            = int16(5000)
)

// stream builds frames with consecutive capture timestamps.
type stream struct {
	frames []audio.Frame
	next   time.Time
}

func newStream() *stream {
	return &stream{next: mock.Epoch}
}

func (s *stream) add(n int, amplitude int16) *stream {
	for _, f := range mock.Constant(format, n, amplitude) {
		s.next = s.next.Add(format.FrameDuration())
		f.Seq = uint64(len(s.frames))
		f.CapturedAt = s.next
		s.frames = append(s.frames, f)
	}
	return s
}

func newEngine(t *testing.T, mode segment.PreRollMode) *segment.Engine {
	t.Helper()
	e, err := segment.NewEngine(segment.Config{
		Threshold:       threshold,
		SilenceDuration: silenceDuration,
		PreRollFrames:   3,
		PreRollMode:     mode,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func feed(t *testing.T, e *segment.Engine, frames []audio.Frame) []*segment.Segment {
	t.Helper()
	var out []*segment.Segment
	for _, f := range frames {
		seg, err := e.Push(f)
		if err != nil {
			t.Fatalf("Push(seq=%d): %v", f.Seq, err)
		}
		if seg != nil {
			out = append(out, seg)
		}
	}
	return out
}

func countLoud(seg *segment.Segment) int {
	n := 0
	for _, f := range seg.Frames {
		if !segment.IsSilent(f, threshold) {
			n++
		}
	}
	return n
}

// ─── SilenceClassifier ────────────────────────────────────────────────────────

func TestIsSilent(t *testing.T) {
	tests := []struct {
		name    string
		samples []int16
		want    bool
	}{
		{"below threshold", []int16{0, 1999, -1999}, true},
		{"equal to threshold is not silent", []int16{2000, 10}, false},
		{"negative equal to threshold is not silent", []int16{-2000}, false},
		{"one below threshold", []int16{-1999, 1999}, true},
		{"one above threshold", []int16{2001}, false},
		{"negative above threshold", []int16{-2001, 0}, false},
		{"loud", []int16{5000}, false},
		{"empty frame", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := audio.Frame{Data: audio.Int16ToBytes(tt.samples), SampleRate: 16000, Channels: 1}
			if got := segment.IsSilent(f, threshold); got != tt.want {
				t.Errorf("IsSilent = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsSilent_SingleByteFrame(t *testing.T) {
	if !segment.IsSilent(audio.Frame{Data: []byte{0x7F}}, threshold) {
		t.Error("frame without a whole sample should be silent")
	}
}

// ─── NoiseProfiler ────────────────────────────────────────────────────────────

func TestCalibrate_ConstantAmplitude(t *testing.T) {
	src := &mock.Source{SourceFormat: format}
	src.Append(mock.Constant(format, 100, 300)...)

	cal, err := segment.Calibrate(context.Background(), src, 3*time.Second, 2000)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if cal.Threshold != 2300 {
		t.Errorf("Threshold = %v, want 2300", cal.Threshold)
	}
	if cal.MeanPeak != 300 {
		t.Errorf("MeanPeak = %v, want 300", cal.MeanPeak)
	}
	// int(16000/512*3) frames.
	if cal.Frames != 93 {
		t.Errorf("Frames = %d, want 93", cal.Frames)
	}
	if got := src.Remaining(); got != 7 {
		t.Errorf("remaining frames = %d, want 7 (calibration frames are consumed)", got)
	}
}

func TestCalibrate_Idempotent(t *testing.T) {
	run := func() segment.Calibration {
		src := &mock.Source{SourceFormat: format}
		src.Append(mock.Constant(format, 93, 750)...)
		cal, err := segment.Calibrate(context.Background(), src, 3*time.Second, 2000)
		if err != nil {
			t.Fatalf("Calibrate: %v", err)
		}
		return cal
	}
	first, second := run(), run()
	if first != second {
		t.Errorf("calibrations differ: %+v vs %+v", first, second)
	}
}

func TestCalibrate_MeanOfPeaks(t *testing.T) {
	src := &mock.Source{SourceFormat: format}
	src.Append(mock.Constant(format, 1, 100)...)
	src.Append(mock.Constant(format, 1, 300)...)

	cal, err := segment.Calibrate(context.Background(), src, 3*time.Second, 10)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if cal.Frames != 2 || cal.Threshold != 210 {
		t.Errorf("got %+v, want 2 frames and threshold 210", cal)
	}
}

func TestCalibrate_NoFrames(t *testing.T) {
	src := &mock.Source{SourceFormat: format}
	_, err := segment.Calibrate(context.Background(), src, 3*time.Second, 2000)
	if !errors.Is(err, segment.ErrNoFrames) {
		t.Fatalf("got %v, want ErrNoFrames", err)
	}
	var calErr *segment.CalibrationError
	if !errors.As(err, &calErr) {
		t.Fatalf("got %T, want *CalibrationError", err)
	}
}

func TestCalibrate_SourceError(t *testing.T) {
	src := &mock.Source{SourceFormat: format, EndError: audio.ErrDevice}
	src.Append(mock.Constant(format, 2, 100)...)

	_, err := segment.Calibrate(context.Background(), src, 3*time.Second, 2000)
	var calErr *segment.CalibrationError
	if !errors.As(err, &calErr) {
		t.Fatalf("got %v, want *CalibrationError", err)
	}
	if calErr.Frames != 2 {
		t.Errorf("Frames = %d, want 2", calErr.Frames)
	}
	if !errors.Is(err, audio.ErrDevice) {
		t.Error("device error should remain matchable")
	}
}

func TestCalibrate_InvalidDuration(t *testing.T) {
	src := &mock.Source{SourceFormat: format}
	src.Append(mock.Constant(format, 10, 100)...)
	var calErr *segment.CalibrationError
	if _, err := segment.Calibrate(context.Background(), src, 0, 2000); !errors.As(err, &calErr) {
		t.Fatalf("got %v, want *CalibrationError", err)
	}
	if src.CallCountReadFrame != 0 {
		t.Errorf("source read %d times, want 0", src.CallCountReadFrame)
	}
}

// ─── PreRoll ──────────────────────────────────────────────────────────────────

func TestPreRoll_Bounded(t *testing.T) {
	p := segment.NewPreRoll(3)
	for i := range 7 {
		p.Push(audio.Frame{Seq: uint64(i)})
		if p.Len() > 3 {
			t.Fatalf("Len = %d after %d pushes, want <= 3", p.Len(), i+1)
		}
	}
	got := p.Frames()
	for i, want := range []uint64{4, 5, 6} {
		if got[i].Seq != want {
			t.Errorf("frame %d seq = %d, want %d", i, got[i].Seq, want)
		}
	}
	if oldest, ok := p.Oldest(); !ok || oldest.Seq != 4 {
		t.Errorf("Oldest = %d, %v; want 4, true", oldest.Seq, ok)
	}
	p.Reset()
	if p.Len() != 0 {
		t.Errorf("Len after Reset = %d", p.Len())
	}
	if _, ok := p.Oldest(); ok {
		t.Error("Oldest on empty ring should report false")
	}
}

func TestPreRoll_ZeroCapacity(t *testing.T) {
	p := segment.NewPreRoll(0)
	p.Push(audio.Frame{Seq: 1})
	if p.Len() != 0 || len(p.Frames()) != 0 {
		t.Error("zero-capacity ring should hold nothing")
	}
}

// ─── SegmentationEngine ───────────────────────────────────────────────────────

func TestNewEngine_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  segment.Config
	}{
		{"zero silence", segment.Config{Threshold: 1, PreRollFrames: 3}},
		{"negative pre-roll", segment.Config{Threshold: 1, SilenceDuration: time.Second, PreRollFrames: -1}},
		{"unknown mode", segment.Config{Threshold: 1, SilenceDuration: time.Second, PreRollMode: "newest"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := segment.NewEngine(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEngine_ShortGapDoesNotSplit(t *testing.T) {
	// 30 quiet frames span 960ms, under the 1.25s silence duration.
	// 45 quiet frames span 1.44s, over it.
	s := newStream().add(5, quiet).add(10, loud).add(30, quiet).add(3, loud).add(45, quiet)
	e := newEngine(t, segment.PreRollFull)

	segs := feed(t, e, s.frames)
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	seg := segs[0]
	if got := countLoud(seg); got != 13 {
		t.Errorf("segment holds %d loud frames, want 13", got)
	}
	if seg.Reason != segment.ReasonSilence {
		t.Errorf("Reason = %q, want %q", seg.Reason, segment.ReasonSilence)
	}
	if e.State() != segment.Idle {
		t.Errorf("State = %v, want idle", e.State())
	}
}

func TestEngine_FinalisesAtSilenceBoundary(t *testing.T) {
	// 39 quiet frames span 1248ms and must not finalise; the 40th brings the
	// span to 1280ms and does. It is not part of the segment.
	s := newStream().add(3, quiet).add(5, loud).add(39, quiet)
	e := newEngine(t, segment.PreRollFull)
	if segs := feed(t, e, s.frames); len(segs) != 0 {
		t.Fatalf("finalised after 39 quiet frames")
	}
	if e.State() != segment.TrailingSilence {
		t.Fatalf("State = %v, want trailing_silence", e.State())
	}

	s.add(1, quiet)
	seg, err := e.Push(s.frames[len(s.frames)-1])
	if err != nil {
		t.Fatal(err)
	}
	if seg == nil {
		t.Fatal("expected segment on the 40th quiet frame")
	}
	// 3 pre-roll + 5 loud + 39 trailing quiet.
	if got := len(seg.Frames); got != 47 {
		t.Errorf("segment length = %d, want 47", got)
	}
	last := seg.Frames[len(seg.Frames)-1]
	if last.Seq != s.frames[len(s.frames)-2].Seq {
		t.Errorf("last frame seq = %d, finalising frame must not be appended", last.Seq)
	}
}

func TestEngine_NeverFinalisesWhileSoundContinues(t *testing.T) {
	s := newStream().add(3, quiet)
	// Alternate loud bursts with quiet gaps just short of the limit.
	for range 20 {
		s.add(4, loud).add(38, quiet)
	}
	e := newEngine(t, segment.PreRollFull)
	if segs := feed(t, e, s.frames); len(segs) != 0 {
		t.Fatalf("got %d segments, want none", len(segs))
	}
	if e.State() == segment.Idle {
		t.Error("engine returned to idle during sustained sound")
	}
	if got := e.OpenFrames(); got != 3+20*42 {
		t.Errorf("open segment has %d frames, want %d", got, 3+20*42)
	}
}

func TestEngine_PreRollModes(t *testing.T) {
	tests := []struct {
		name        string
		mode        segment.PreRollMode
		wantPreRoll int
		wantFirst   uint64
	}{
		{"full prepends whole buffer", segment.PreRollFull, 3, 2},
		{"oldest prepends the frame two before the trigger", segment.PreRollOldest, 1, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Frames 0..4 quiet; pre-roll holds 2,3,4 when frame 5 triggers.
			s := newStream().add(5, quiet).add(4, loud).add(45, quiet)
			segs := feed(t, newEngine(t, tt.mode), s.frames)
			if len(segs) != 1 {
				t.Fatalf("got %d segments, want 1", len(segs))
			}
			seg := segs[0]
			if seg.PreRoll != tt.wantPreRoll {
				t.Errorf("PreRoll = %d, want %d", seg.PreRoll, tt.wantPreRoll)
			}
			if seg.Frames[0].Seq != tt.wantFirst {
				t.Errorf("first frame seq = %d, want %d", seg.Frames[0].Seq, tt.wantFirst)
			}
			if trigger := seg.Frames[seg.PreRoll]; trigger.Seq != 5 {
				t.Errorf("frame after pre-roll has seq %d, want trigger 5", trigger.Seq)
			}
			if !seg.Onset.Equal(s.frames[5].CapturedAt) {
				t.Errorf("Onset = %v, want trigger capture time", seg.Onset)
			}
		})
	}
}

func TestEngine_PreRollOldestShortHistory(t *testing.T) {
	tests := []struct {
		name        string
		quietBefore int
		wantPreRoll int
	}{
		{"trigger on first frame", 0, 0},
		{"one frame of history", 1, 1},
		{"two frames of history", 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStream().add(tt.quietBefore, quiet).add(4, loud).add(45, quiet)
			segs := feed(t, newEngine(t, segment.PreRollOldest), s.frames)
			if len(segs) != 1 {
				t.Fatalf("got %d segments, want 1", len(segs))
			}
			seg := segs[0]
			if seg.PreRoll != tt.wantPreRoll {
				t.Fatalf("PreRoll = %d, want %d", seg.PreRoll, tt.wantPreRoll)
			}
			if tt.wantPreRoll == 1 && seg.Frames[0].Seq != 0 {
				t.Errorf("pre-roll frame seq = %d, want 0", seg.Frames[0].Seq)
			}
			if trigger := seg.Frames[seg.PreRoll]; trigger.Seq != uint64(tt.quietBefore) {
				t.Errorf("trigger seq = %d, want %d", trigger.Seq, tt.quietBefore)
			}
		})
	}
}

func TestEngine_PreRollOnlyWhileIdle(t *testing.T) {
	s := newStream().add(5, quiet).add(3, loud).add(10, quiet)
	e := newEngine(t, segment.PreRollFull)
	feed(t, e, s.frames)
	if got := e.PreRollLen(); got != 0 {
		t.Errorf("pre-roll filled to %d during recording, want 0", got)
	}

	// 30 more quiet frames make 40 in total; the last one finalises.
	s.add(30, quiet)
	feed(t, e, s.frames[18:])
	if e.State() != segment.Idle {
		t.Fatalf("State = %v, want idle", e.State())
	}
	if got := e.PreRollLen(); got != 0 {
		t.Errorf("pre-roll = %d right after finalise, want 0", got)
	}
	// One quiet frame before the next onset is all the pre-roll available.
	s.add(1, quiet).add(2, loud).add(41, quiet)
	segs := feed(t, e, s.frames[48:])
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].PreRoll != 1 {
		t.Errorf("second segment PreRoll = %d, want 1", segs[0].PreRoll)
	}
	if segs[0].ID != 2 {
		t.Errorf("second segment ID = %d, want 2", segs[0].ID)
	}
}

func TestEngine_WallClockTiming(t *testing.T) {
	e := newEngine(t, segment.PreRollFull)
	base := mock.Epoch
	mk := func(amp int16, at time.Duration) audio.Frame {
		f := mock.Constant(format, 1, amp)[0]
		f.CapturedAt = base.Add(at)
		return f
	}

	// A stalled consumer delivers few frames far apart; elapsed wall-clock
	// time, not frame count, decides.
	frames := []audio.Frame{
		mk(loud, 0),
		mk(quiet, 32*time.Millisecond),
		mk(quiet, 1300*time.Millisecond),
	}
	segs := feed(t, e, frames)
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if len(segs[0].Frames) != 2 {
		t.Errorf("segment length = %d, want 2", len(segs[0].Frames))
	}
}

func TestEngine_Flush(t *testing.T) {
	e := newEngine(t, segment.PreRollFull)
	if seg := e.Flush(); seg != nil {
		t.Fatal("Flush on idle engine returned a segment")
	}

	s := newStream().add(2, quiet).add(6, loud).add(4, quiet)
	feed(t, e, s.frames)
	seg := e.Flush()
	if seg == nil {
		t.Fatal("Flush returned nil with an open segment")
	}
	if seg.Reason != segment.ReasonFlush {
		t.Errorf("Reason = %q, want flush", seg.Reason)
	}
	if got := len(seg.Frames); got != 12 {
		t.Errorf("segment length = %d, want 12", got)
	}
	if e.State() != segment.Idle || e.OpenFrames() != 0 {
		t.Error("engine not reset after Flush")
	}
}

func TestEngine_RejectsMalformedFrames(t *testing.T) {
	e := newEngine(t, segment.PreRollFull)
	if _, err := e.Push(audio.Frame{Data: make([]byte, 8), Channels: 2}); !errors.Is(err, segment.ErrFormat) {
		t.Errorf("stereo frame: got %v, want ErrFormat", err)
	}
	if _, err := e.Push(audio.Frame{Data: make([]byte, 3), Channels: 1}); !errors.Is(err, segment.ErrFormat) {
		t.Errorf("odd-length frame: got %v, want ErrFormat", err)
	}
}

func TestEngine_EmptyFrameKeepsEngineProgressing(t *testing.T) {
	e := newEngine(t, segment.PreRollFull)
	s := newStream().add(2, loud)
	feed(t, e, s.frames)

	empty := audio.Frame{SampleRate: 16000, Channels: 1, CapturedAt: s.next.Add(32 * time.Millisecond)}
	if _, err := e.Push(empty); err != nil {
		t.Fatalf("Push(empty): %v", err)
	}
	if e.State() != segment.TrailingSilence {
		t.Errorf("State = %v, want trailing_silence", e.State())
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[segment.State]string{
		segment.Idle:            "idle",
		segment.Recording:       "recording",
		segment.TrailingSilence: "trailing_silence",
		segment.State(9):        "State(9)",
	} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
