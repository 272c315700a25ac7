package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MrWong99/whisperflow/pkg/audio"
)

// ErrNoFrames is wrapped by [CalibrationError] when the source produced no
// frames during the calibration window.
var ErrNoFrames = errors.New("segment: no frames during calibration")

// CalibrationError reports a failed noise profile. It is fatal at startup.
type CalibrationError struct {
	// Frames is the number of frames read before the failure.
	Frames int
	Err    error
}

func (e *CalibrationError) Error() string {
	return fmt.Sprintf("segment: calibration failed after %d frames: %v", e.Frames, e.Err)
}

func (e *CalibrationError) Unwrap() error { return e.Err }

// Calibration is the result of profiling ambient noise.
type Calibration struct {
	// Threshold is MeanPeak + Margin. Frames whose peak is below it are silent.
	Threshold float64

	// MeanPeak is the mean of the per-frame peak absolute amplitudes.
	MeanPeak float64

	// Margin is the sensitivity margin that was added.
	Margin float64

	// Frames is how many frames contributed to the mean.
	Frames int
}

// Calibrate reads duration*sampleRate/frameSize frames from src and returns
// the ambient threshold. The frames are consumed and not replayed.
//
// A source that ends early (io.EOF) after at least one frame yields a
// threshold over the frames that were read. A source that yields nothing,
// or fails, produces a [*CalibrationError].
func Calibrate(ctx context.Context, src audio.Source, duration time.Duration, margin float64) (Calibration, error) {
	if duration <= 0 {
		return Calibration{}, &CalibrationError{Err: fmt.Errorf("duration must be positive, got %v", duration)}
	}
	want := src.Format().FramesFor(duration)
	if want < 1 {
		want = 1
	}

	var p Profiler
	for p.Frames() < want {
		f, err := src.ReadFrame(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Calibration{}, &CalibrationError{Frames: p.Frames(), Err: err}
		}
		p.Add(f)
	}
	return p.Result(margin)
}

// Profiler accumulates per-frame peaks. The zero value is ready to use; a
// Profiler carries no state beyond the frames added to it.
type Profiler struct {
	sum    float64
	frames int
}

// Add records the peak of one frame.
func (p *Profiler) Add(f audio.Frame) {
	p.sum += float64(f.Peak())
	p.frames++
}

// Frames returns the number of frames added so far.
func (p *Profiler) Frames() int { return p.frames }

// Result returns the calibration over all added frames.
func (p *Profiler) Result(margin float64) (Calibration, error) {
	if p.frames == 0 {
		return Calibration{}, &CalibrationError{Err: ErrNoFrames}
	}
	mean := p.sum / float64(p.frames)
	return Calibration{
		Threshold: mean + margin,
		MeanPeak:  mean,
		Margin:    margin,
		Frames:    p.frames,
	}, nil
}
