package transcription

import (
	"sync"

	"github.com/harunnryd/callturn/pkg/frames"
)

// IngressBuffer holds caller audio while the transcription connection is not
// open. Append never blocks. With a positive limit the oldest frame is evicted
// on overflow; zero keeps every frame.
type IngressBuffer struct {
	mu      sync.Mutex
	frames  []frames.AudioFrame
	limit   int
	dropped int
}

func NewIngressBuffer(limit int) *IngressBuffer {
	if limit < 0 {
		limit = 0
	}
	return &IngressBuffer{limit: limit}
}

// Append stores a frame at the tail.
func (b *IngressBuffer) Append(frame frames.AudioFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && len(b.frames) >= b.limit {
		b.frames = b.frames[1:]
		b.dropped++
	}
	b.frames = append(b.frames, frame)
}

// DrainTo delivers frames to sink in arrival order and clears what was
// delivered. If sink fails, the failed frame and everything after it stay
// buffered for the next attempt.
func (b *IngressBuffer) DrainTo(sink func(frames.AudioFrame) error) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, f := range b.frames {
		if err := sink(f); err != nil {
			b.frames = append(b.frames[:0], b.frames[i:]...)
			return i, err
		}
	}
	n := len(b.frames)
	b.frames = nil
	return n, nil
}

// Discard drops everything buffered and reports how many frames were lost.
func (b *IngressBuffer) Discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.frames)
	b.frames = nil
	return n
}

func (b *IngressBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Dropped counts frames evicted by the limit.
func (b *IngressBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
