package sdruntime

import "errors"

// Sentinel errors for runtime plumbing. Request-level failures use the
// taxonomy in core.
var (
	ErrWeightsReleased = errors.New("sdruntime: weights handle already released")
	ErrNotLoaded       = errors.New("sdruntime: backend has no model loaded")
	ErrUnknownAdapter  = errors.New("sdruntime: adapter handle not loaded")

	ErrSlotClosed   = errors.New("sdruntime: job slot is closed")
	ErrQueueTimeout = errors.New("sdruntime: timed out waiting for the job slot")
)
