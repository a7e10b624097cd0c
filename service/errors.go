package service

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"video-search/constant"
)

var (
	ErrInvalidQuery       = errors.New("invalid query")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnknownMode        = errors.New("unknown search mode")
	ErrVideoNotFound      = errors.New("video not found")
	ErrAlreadyRunning     = errors.New("ingestion already running for video")
	ErrAlreadyIngested    = errors.New("video already ingested")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrDimensionMismatch  = errors.New("vector dimension mismatch")
	ErrInconsistentDelete = errors.New("delete partially applied")
	ErrCancelled          = errors.New(constant.CancelledMessage)
	ErrNoEmbeddings       = errors.New("no item could be embedded")
	// ErrRunEnded rejects a queued run for a video whose last run already
	// failed; only Ingest or Retry start it again.
	ErrRunEnded = errors.New("video run already ended")
	// ErrInterrupted is a run cut off by shutdown. The video keeps its
	// status so the redelivered message resumes it.
	ErrInterrupted = errors.New("ingest interrupted by shutdown")
)

// StageError is a pipeline stage failure. Its message is what gets persisted
// on the failed video.
type StageError struct {
	VideoID uuid.UUID
	Stage   constant.VideoStatus
	Err     error
}

func (e *StageError) Error() string {
	if errors.Is(e.Err, ErrCancelled) {
		return constant.CancelledMessage
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
