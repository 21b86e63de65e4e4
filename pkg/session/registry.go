package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callturn/pkg/errorsx"
)

// ErrDraining is returned by Create while the process is shutting down.
var ErrDraining = errors.New("session registry draining")

// Registry maps call ids to their live sessions. Each id has at most one
// owner at a time.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	draining atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Create registers s under callID. It never replaces an existing entry.
func (r *Registry) Create(callID string, s *CallSession) error {
	if r.draining.Load() {
		return ErrDraining
	}
	if _, loaded := r.sessions.LoadOrStore(callID, s); loaded {
		return errorsx.Mark(fmt.Errorf("call %s already has a session", callID), errorsx.ErrDuplicateSession)
	}
	r.count.Add(1)
	return nil
}

func (r *Registry) Get(callID string) (*CallSession, bool) {
	if v, ok := r.sessions.Load(callID); ok {
		return v.(*CallSession), true
	}
	return nil, false
}

// Remove drops callID. Removing an unknown id is a no-op.
func (r *Registry) Remove(callID string) bool {
	if _, ok := r.sessions.LoadAndDelete(callID); ok {
		r.count.Add(-1)
		return true
	}
	return false
}

// release removes callID only while it still maps to s.
func (r *Registry) release(callID string, s *CallSession) {
	if r.sessions.CompareAndDelete(callID, s) {
		r.count.Add(-1)
	}
}

// BroadcastShutdown asks every live session to close and returns how many
// were signalled.
func (r *Registry) BroadcastShutdown(ctx context.Context) int {
	n := 0
	r.sessions.Range(func(_, value any) bool {
		if s, ok := value.(*CallSession); ok {
			s.Shutdown(ctx)
			n++
		}
		return true
	})
	return n
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
