package pipeline

import "github.com/MrWong99/whisperflow/pkg/audio"

// frameQueue is a bounded FIFO between capture and segmentation. When it is
// full, push discards the oldest queued frame so that capture never blocks.
// There must be exactly one producer; close is called by that producer.
type frameQueue struct {
	ch chan audio.Frame
}

func newFrameQueue(capacity int) *frameQueue {
	return &frameQueue{ch: make(chan audio.Frame, max(capacity, 1))}
}

// push enqueues f and returns how many older frames were dropped to make
// room. A concurrent consumer can only make room, so the loop ends.
func (q *frameQueue) push(f audio.Frame) (dropped int) {
	for {
		select {
		case q.ch <- f:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			dropped++
		default:
		}
	}
}

func (q *frameQueue) len() int { return len(q.ch) }

func (q *frameQueue) close() { close(q.ch) }

// frames is drained by the single consumer until close.
func (q *frameQueue) frames() <-chan audio.Frame { return q.ch }
