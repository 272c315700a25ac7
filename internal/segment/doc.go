// Package segment turns a continuous stream of PCM frames into discrete,
// silence-bounded utterances.
//
// Three pieces cooperate:
//
//   - [Calibrate] samples an initial window of audio and derives the ambient
//     threshold: the mean per-frame peak amplitude plus a fixed margin.
//   - [IsSilent] classifies a single frame against that threshold.
//   - [Engine] is the state machine. It keeps a short pre-roll of idle frames,
//     opens a segment on the first loud frame, and finalises it once quiet
//     frames have spanned the configured silence duration.
//
// The engine is single-utterance-at-a-time and has no goroutines, timers or
// I/O of its own: silence is measured between frame capture timestamps, so
// its behaviour is fully determined by the frames it is fed.
package segment
