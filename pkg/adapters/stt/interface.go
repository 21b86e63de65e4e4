package stt

import (
	"context"

	"github.com/harunnryd/callturn/pkg/frames"
)

// StreamingSTT is one connection to a transcription vendor. An instance is
// used for a single connection attempt; reconnects build a new one.
type StreamingSTT interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start opens the connection and returns once it is ready to accept audio.
	Start(ctx context.Context) error
	// Close shuts down the connection. Results is closed afterwards.
	Close() error
	// SendAudio forwards one caller frame.
	SendAudio(frame frames.AudioFrame) error
	// Results delivers fragments until the connection ends, then closes.
	Results() <-chan frames.TranscriptFragment
	// Err reports why Results closed; nil after a local Close.
	Err() error
}

// Factory builds a fresh connection for one attempt.
type Factory func() StreamingSTT

// Config contains vendor-agnostic STT configuration.
type Config struct {
	CallID     string
	TraceID    string
	SampleRate int
	Encoding   string
	Channels   int
	Language   string
}
