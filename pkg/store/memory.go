package store

import (
	"context"
	"sync"
)

// Memory keeps everything in process. It backs local runs and tests.
type Memory struct {
	mu        sync.Mutex
	turns     map[string][]Turn
	summaries map[string]Summary
	writes    map[string]int
	// Err, when set, is returned from every write.
	Err error
}

func NewMemory() *Memory {
	return &Memory{turns: make(map[string][]Turn), summaries: make(map[string]Summary), writes: make(map[string]int)}
}

func (m *Memory) SaveTurn(ctx context.Context, turn Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.turns[turn.CallID] = append(m.turns[turn.CallID], turn)
	return nil
}

func (m *Memory) SaveSummary(ctx context.Context, summary Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.summaries[summary.CallID] = summary
	m.writes[summary.CallID]++
	return nil
}

func (m *Memory) Turns(callID string) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Turn(nil), m.turns[callID]...)
}

func (m *Memory) LoadTurns(ctx context.Context, callID string) ([]Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Turns(callID), nil
}

func (m *Memory) Summary(callID string) (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[callID]
	return s, ok
}

// SummaryWrites counts SaveSummary calls for one call.
func (m *Memory) SummaryWrites(callID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[callID]
}
