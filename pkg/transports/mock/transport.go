package mock

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/callturn/pkg/transports"
)

// Call is an in-memory caller leg for local runs and tests. It implements
// transports.Call without any network dependency.
type Call struct {
	id      string
	closed  atomic.Bool
	mu      sync.Mutex
	sent    [][]byte
	clears  int
	pings   int
	pingErr error
	closes  int
}

func NewCall(id string) *Call {
	return &Call{id: id}
}

func (c *Call) ID() string { return c.id }

func (c *Call) Send(ctx context.Context, audio []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return transports.ErrClosed
	}
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), audio...))
	c.mu.Unlock()
	return nil
}

// Clear mirrors a media-stream clear: audio not yet played is discarded.
func (c *Call) Clear(context.Context) error {
	if c.closed.Load() {
		return transports.ErrClosed
	}
	c.mu.Lock()
	c.clears++
	c.sent = nil
	c.mu.Unlock()
	return nil
}

func (c *Call) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	if c.closed.Load() {
		return transports.ErrClosed
	}
	return c.pingErr
}

func (c *Call) IsOpen() bool { return !c.closed.Load() }

func (c *Call) Close() error {
	c.closed.Store(true)
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

// FailPings makes every later Ping return err.
func (c *Call) FailPings(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

// Hangup simulates the caller hanging up without notifying the handler.
func (c *Call) Hangup() { c.closed.Store(true) }

// Audio returns everything sent since the last Clear.
func (c *Call) Audio() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Join(c.sent, nil)
}

func (c *Call) Clears() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

func (c *Call) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *Call) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

var _ transports.Call = (*Call)(nil)
