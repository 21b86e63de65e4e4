package session

import (
	"time"

	"github.com/harunnryd/callturn/pkg/store"
)

// Metrics accumulates per-call timing. It is written only by the session
// loop and read under the session lock.
type Metrics struct {
	CreatedAt      time.Time
	LastActivityAt time.Time
	Turns          int
	FallbackTurns  int
	SpeakingTime   time.Duration
	SilenceTime    time.Duration
	ResponseTimes  []time.Duration

	turnStartedAt  time.Time
	listeningSince time.Time
}

func newMetrics(now time.Time) Metrics {
	return Metrics{CreatedAt: now, LastActivityAt: now}
}

func (m *Metrics) touch(now time.Time) { m.LastActivityAt = now }

// fragment marks caller speech. The gap since listening resumed counts as
// silence.
func (m *Metrics) fragment(now time.Time) {
	if !m.listeningSince.IsZero() {
		m.SilenceTime += now.Sub(m.listeningSince)
		m.listeningSince = time.Time{}
	}
	if m.turnStartedAt.IsZero() {
		m.turnStartedAt = now
	}
}

func (m *Metrics) utterance(now time.Time) {
	if !m.turnStartedAt.IsZero() {
		m.SpeakingTime += now.Sub(m.turnStartedAt)
		m.turnStartedAt = time.Time{}
	}
}

func (m *Metrics) listening(now time.Time) {
	m.listeningSince = now
}

func (m *Metrics) turn(fallback bool, response time.Duration) {
	m.Turns++
	if fallback {
		m.FallbackTurns++
	}
	if response > 0 {
		m.ResponseTimes = append(m.ResponseTimes, response)
	}
}

func (m *Metrics) avgResponse() time.Duration {
	if len(m.ResponseTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range m.ResponseTimes {
		total += d
	}
	return total / time.Duration(len(m.ResponseTimes))
}

func (m *Metrics) maxResponse() time.Duration {
	var longest time.Duration
	for _, d := range m.ResponseTimes {
		if d > longest {
			longest = d
		}
	}
	return longest
}

func (m *Metrics) summary(callID, traceID, reason string, ended time.Time) store.Summary {
	return store.Summary{
		CallID:        callID,
		TraceID:       traceID,
		StartedAt:     m.CreatedAt,
		EndedAt:       ended,
		Turns:         m.Turns,
		FallbackTurns: m.FallbackTurns,
		SpeakingMs:    m.SpeakingTime.Milliseconds(),
		SilenceMs:     m.SilenceTime.Milliseconds(),
		AvgResponseMs: m.avgResponse().Milliseconds(),
		MaxResponseMs: m.maxResponse().Milliseconds(),
		CloseReason:   reason,
	}
}
