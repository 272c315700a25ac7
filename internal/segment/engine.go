package segment

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/whisperflow/pkg/audio"
)

// ErrFormat is returned by [Engine.Push] for a frame the engine cannot
// classify. It indicates a bug in the caller and is fatal.
var ErrFormat = errors.New("segment: unsupported frame format")

// State is the engine's position in the segmentation state machine.
type State int

const (
	// Idle means no segment is open; frames feed the pre-roll.
	Idle State = iota

	// Recording means a segment is open and the last frame was loud.
	Recording

	// TrailingSilence means a segment is open and quiet frames are being
	// timed against the silence duration.
	TrailingSilence
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case TrailingSilence:
		return "trailing_silence"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PreRollMode selects which buffered frames seed a new segment.
type PreRollMode string

const (
	// PreRollFull prepends every buffered frame.
	PreRollFull PreRollMode = "full"

	// PreRollOldest prepends a single frame: the one two frames before the
	// trigger, or the only buffered frame right after a reset.
	PreRollOldest PreRollMode = "oldest"
)

// IsValid reports whether m is a known mode.
func (m PreRollMode) IsValid() bool {
	return m == PreRollFull || m == PreRollOldest
}

// Config holds the engine's tuning values.
type Config struct {
	// Threshold separates silent from loud frames; see [IsSilent].
	Threshold float64

	// SilenceDuration is how much wall-clock time quiet frames must span
	// before an open segment is finalised. It is measured from the start of
	// the first quiet frame to the capture time of the current one, so M
	// quiet frames finalise once M*frameDuration >= SilenceDuration when
	// frames arrive at the device rate. The frame that crosses the limit is
	// not appended.
	SilenceDuration time.Duration

	// PreRollFrames bounds the pre-roll ring.
	PreRollFrames int

	// PreRollMode defaults to [PreRollFull].
	PreRollMode PreRollMode
}

// Reason records why a segment was finalised.
type Reason string

const (
	ReasonSilence Reason = "silence"
	ReasonFlush   Reason = "flush"
)

// Segment is a finalised utterance: pre-roll context followed by every frame
// from speech onset through the last frame before the silence cut-off.
type Segment struct {
	// ID numbers segments from 1 in the order the engine finalised them.
	ID uint64

	Frames []audio.Frame

	// PreRoll is the number of leading frames taken from the pre-roll ring.
	PreRoll int

	// Onset is the capture time of the frame that opened the segment.
	Onset time.Time

	// End is the capture time of the last frame in the segment.
	End time.Time

	Reason Reason
}

// PCM returns the concatenated little-endian int16 payload.
func (s *Segment) PCM() []byte { return audio.Concat(s.Frames) }

// Samples returns the concatenated samples.
func (s *Segment) Samples() []int16 { return audio.BytesToInt16(s.PCM()) }

// SampleRate returns the sample rate of the segment's frames.
func (s *Segment) SampleRate() int {
	if len(s.Frames) == 0 {
		return 0
	}
	return s.Frames[0].SampleRate
}

// Duration returns the total audio duration of the segment.
func (s *Segment) Duration() time.Duration {
	var d time.Duration
	for _, f := range s.Frames {
		d += f.Duration()
	}
	return d
}

// Engine is the segmentation state machine. It is not safe for concurrent
// use; one goroutine owns it and feeds it frames in capture order.
type Engine struct {
	cfg     Config
	state   State
	preRoll *PreRoll

	open         *Segment
	silenceStart time.Time
	finalised    uint64
}

// NewEngine validates cfg and returns an idle engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.PreRollMode == "" {
		cfg.PreRollMode = PreRollFull
	}
	var errs []error
	if cfg.SilenceDuration <= 0 {
		errs = append(errs, fmt.Errorf("silence duration must be positive, got %v", cfg.SilenceDuration))
	}
	if cfg.PreRollFrames < 0 {
		errs = append(errs, fmt.Errorf("pre-roll frame count must be non-negative, got %d", cfg.PreRollFrames))
	}
	if !cfg.PreRollMode.IsValid() {
		errs = append(errs, fmt.Errorf("unknown pre-roll mode %q", cfg.PreRollMode))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("segment: new engine: %w", err)
	}
	return &Engine{
		cfg:     cfg,
		preRoll: NewPreRoll(cfg.PreRollFrames),
	}, nil
}

// State returns the current state.
func (e *Engine) State() State { return e.state }

// Threshold returns the ambient threshold the engine classifies against.
func (e *Engine) Threshold() float64 { return e.cfg.Threshold }

// PreRollLen returns the number of frames currently in the pre-roll ring.
func (e *Engine) PreRollLen() int { return e.preRoll.Len() }

// OpenFrames returns the number of frames in the open segment, or zero.
func (e *Engine) OpenFrames() int {
	if e.open == nil {
		return 0
	}
	return len(e.open.Frames)
}

// Push feeds one frame to the engine and returns the segment it finalised,
// if any. Only mono frames with whole int16 samples are accepted.
func (e *Engine) Push(f audio.Frame) (*Segment, error) {
	if f.Channels > 1 || len(f.Data)%2 != 0 {
		return nil, fmt.Errorf("%w: %d channels, %d bytes", ErrFormat, f.Channels, len(f.Data))
	}
	silent := IsSilent(f, e.cfg.Threshold)

	switch e.state {
	case Idle:
		if silent {
			e.preRoll.Push(f)
			return nil, nil
		}
		e.begin(f)
		return nil, nil

	case Recording:
		e.open.append(f)
		if silent {
			// Silence began when this frame started, one frame before its
			// capture completed.
			e.state = TrailingSilence
			e.silenceStart = f.CapturedAt.Add(-f.Duration())
		}
		return nil, nil

	case TrailingSilence:
		if !silent {
			e.open.append(f)
			e.state = Recording
			e.silenceStart = time.Time{}
			return nil, nil
		}
		if f.CapturedAt.Sub(e.silenceStart) >= e.cfg.SilenceDuration {
			return e.finalise(ReasonSilence), nil
		}
		e.open.append(f)
		return nil, nil

	default:
		return nil, fmt.Errorf("segment: engine in unknown state %v", e.state)
	}
}

// Flush finalises and returns the open segment, if any, and returns the
// engine to [Idle]. It is used when the frame stream stops.
func (e *Engine) Flush() *Segment {
	if e.state == Idle {
		return nil
	}
	return e.finalise(ReasonFlush)
}

func (e *Engine) begin(trigger audio.Frame) {
	var lead []audio.Frame
	switch e.cfg.PreRollMode {
	case PreRollOldest:
		if buf := e.preRoll.Frames(); len(buf) > 0 {
			lead = []audio.Frame{buf[max(len(buf)-2, 0)]}
		}
	default:
		lead = e.preRoll.Frames()
	}
	e.preRoll.Reset()

	frames := make([]audio.Frame, 0, len(lead)+64)
	frames = append(frames, lead...)
	e.open = &Segment{
		Frames:  frames,
		PreRoll: len(lead),
		Onset:   trigger.CapturedAt,
	}
	e.open.append(trigger)
	e.state = Recording
}

func (e *Engine) finalise(reason Reason) *Segment {
	seg := e.open
	e.finalised++
	seg.ID = e.finalised
	seg.Reason = reason

	e.open = nil
	e.state = Idle
	e.silenceStart = time.Time{}
	e.preRoll.Reset()
	return seg
}

func (s *Segment) append(f audio.Frame) {
	s.Frames = append(s.Frames, f)
	s.End = f.CapturedAt
}
