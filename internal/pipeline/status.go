package pipeline

import "time"

// Status is a snapshot of a running or finished session.
type Status struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`

	// Running is true between the start of the session and the end of Run.
	Running bool `json:"running"`

	// Calibrated is true once the ambient threshold is known.
	Calibrated bool    `json:"calibrated"`
	Threshold  float64 `json:"threshold"`

	FramesCaptured uint64 `json:"frames_captured"`
	FramesDropped  uint64 `json:"frames_dropped"`

	// AudioDuration is the length of audio seen by the segmenter.
	AudioDuration time.Duration `json:"audio_duration_ns"`

	Segments  int `json:"segments"`
	Confirmed int `json:"confirmed"`
	Rejected  int `json:"rejected"`
	Records   int `json:"records"`

	// Failed counts segments lost to confirmation, encoding or
	// transcription errors.
	Failed int `json:"failed"`

	// Abandoned counts segments skipped after the shutdown flush timeout.
	Abandoned int `json:"abandoned"`

	PersistenceErrors int    `json:"persistence_errors"`
	LastTranscript    string `json:"last_transcript"`
}

// Ready reports whether the session is calibrated and capturing.
func (s Status) Ready() bool { return s.Calibrated && s.Running }

// Status returns a snapshot of the session counters. It is safe to call
// from any goroutine.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Pipeline) update(fn func(*Status)) {
	p.mu.Lock()
	fn(&p.status)
	p.mu.Unlock()
}
