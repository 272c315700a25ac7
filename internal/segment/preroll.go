package segment

import "github.com/MrWong99/whisperflow/pkg/audio"

// PreRoll is a bounded ring of the most recent frames. Len never exceeds
// the capacity it was created with.
type PreRoll struct {
	buf   []audio.Frame
	start int
	n     int
}

// NewPreRoll returns a ring holding at most capacity frames. A capacity of
// zero keeps nothing.
func NewPreRoll(capacity int) *PreRoll {
	return &PreRoll{buf: make([]audio.Frame, max(capacity, 0))}
}

// Push adds f, evicting the oldest frame when full.
func (p *PreRoll) Push(f audio.Frame) {
	if len(p.buf) == 0 {
		return
	}
	if p.n < len(p.buf) {
		p.buf[(p.start+p.n)%len(p.buf)] = f
		p.n++
		return
	}
	p.buf[p.start] = f
	p.start = (p.start + 1) % len(p.buf)
}

// Frames returns a copy of the buffered frames, oldest first.
func (p *PreRoll) Frames() []audio.Frame {
	out := make([]audio.Frame, p.n)
	for i := range p.n {
		out[i] = p.buf[(p.start+i)%len(p.buf)]
	}
	return out
}

// Oldest returns the oldest buffered frame.
func (p *PreRoll) Oldest() (audio.Frame, bool) {
	if p.n == 0 {
		return audio.Frame{}, false
	}
	return p.buf[p.start], true
}

// Len returns the number of buffered frames.
func (p *PreRoll) Len() int { return p.n }

// Cap returns the maximum number of frames the ring holds.
func (p *PreRoll) Cap() int { return len(p.buf) }

// Reset empties the ring.
func (p *PreRoll) Reset() {
	clear(p.buf)
	p.start, p.n = 0, 0
}
