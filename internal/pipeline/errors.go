package pipeline

import "fmt"

// DeviceError means the audio source failed. It is fatal: the pipeline
// flushes what it has and [Pipeline.Run] returns it.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("pipeline: audio device: %v", e.Err) }
func (e *DeviceError) Unwrap() error { return e.Err }

// ConfirmationError means the voice confirmer failed for one segment. The
// segment is treated as unconfirmed and discarded.
type ConfirmationError struct {
	SegmentID uint64
	Err       error
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("pipeline: segment %d: voice confirmation: %v", e.SegmentID, e.Err)
}
func (e *ConfirmationError) Unwrap() error { return e.Err }

// TranscriptionError means the transcriber failed for one segment. No record
// is written for it.
type TranscriptionError struct {
	SegmentID uint64
	Err       error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("pipeline: segment %d: transcription: %v", e.SegmentID, e.Err)
}
func (e *TranscriptionError) Unwrap() error { return e.Err }

// PersistenceError means a store write failed. Op names the store method.
// SegmentID is 0 for writes that do not belong to a segment.
type PersistenceError struct {
	SegmentID uint64
	Op        string
	Err       error
}

func (e *PersistenceError) Error() string {
	if e.SegmentID == 0 {
		return fmt.Sprintf("pipeline: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("pipeline: segment %d: %s: %v", e.SegmentID, e.Op, e.Err)
}
func (e *PersistenceError) Unwrap() error { return e.Err }
