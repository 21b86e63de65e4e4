// Package store persists call transcripts and end-of-call summaries. Writes
// are best-effort from the caller's point of view; a failing store never
// affects an active call.
package store

import (
	"context"
	"time"
)

// Turn is one caller-utterance and assistant-reply pair.
type Turn struct {
	CallID    string    `json:"call_id"`
	Seq       int       `json:"seq"`
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	Fallback  bool      `json:"fallback"`
	Reason    string    `json:"reason,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	At        time.Time `json:"at"`
}

// Summary is the metrics flush written once when a call closes.
type Summary struct {
	CallID        string    `json:"call_id"`
	TraceID       string    `json:"trace_id"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	Turns         int       `json:"turns"`
	FallbackTurns int       `json:"fallback_turns"`
	SpeakingMs    int64     `json:"speaking_ms"`
	SilenceMs     int64     `json:"silence_ms"`
	AvgResponseMs int64     `json:"avg_response_ms"`
	MaxResponseMs int64     `json:"max_response_ms"`
	CloseReason   string    `json:"close_reason"`
}

type Store interface {
	SaveTurn(ctx context.Context, turn Turn) error
	SaveSummary(ctx context.Context, summary Summary) error
}

// Reader loads the persisted transcript of a call.
type Reader interface {
	LoadTurns(ctx context.Context, callID string) ([]Turn, error)
}

// Noop discards everything.
type Noop struct{}

func (Noop) SaveTurn(context.Context, Turn) error       { return nil }
func (Noop) SaveSummary(context.Context, Summary) error { return nil }

// OrNoop returns s, or Noop when s is nil.
func OrNoop(s Store) Store {
	if s == nil {
		return Noop{}
	}
	return s
}
