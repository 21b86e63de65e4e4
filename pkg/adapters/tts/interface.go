package tts

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/harunnryd/callturn/pkg/frames"
)

// Synthesizer turns reply text into caller-format audio.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Synthesize starts synthesis. Audio is read from the returned stream.
	Synthesize(ctx context.Context, text string) (Stream, error)
}

// Stream yields synthesized audio. Next returns io.EOF after the last chunk.
type Stream interface {
	Next(ctx context.Context) (frames.SynthesisChunk, error)
	Close() error
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	CallID     string
	SampleRate int
	Encoding   string
}

type wholeStream struct {
	audio []byte
	done  bool
}

// WholeStream wraps a single complete buffer.
func WholeStream(audio []byte) Stream {
	return &wholeStream{audio: audio}
}

func (w *wholeStream) Next(ctx context.Context) (frames.SynthesisChunk, error) {
	if err := ctx.Err(); err != nil {
		return frames.SynthesisChunk{}, err
	}
	if w.done {
		return frames.SynthesisChunk{}, io.EOF
	}
	w.done = true
	return frames.SynthesisChunk{Audio: w.audio, Final: true}, nil
}

func (w *wholeStream) Close() error { return nil }

// ErrStreamClosed is returned by Push once the reader closed the stream.
var ErrStreamClosed = errors.New("tts: stream closed")

// ChanStream is fed by a provider read loop and drained by the sender.
type ChanStream struct {
	ch        chan frames.SynthesisChunk
	once      sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.Mutex
	err       error
	onClose   func()
}

func NewChanStream(buffer int, onClose func()) *ChanStream {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanStream{
		ch:      make(chan frames.SynthesisChunk, buffer),
		closed:  make(chan struct{}),
		onClose: onClose,
	}
}

// Push delivers a chunk, blocking while the reader is behind. It gives up
// when ctx ends or the reader closes the stream.
func (s *ChanStream) Push(ctx context.Context, chunk frames.SynthesisChunk) error {
	select {
	case s.ch <- chunk:
		return nil
	case <-s.closed:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish ends the stream; a nil err means a clean end.
func (s *ChanStream) Finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

func (s *ChanStream) Next(ctx context.Context) (frames.SynthesisChunk, error) {
	select {
	case <-ctx.Done():
		return frames.SynthesisChunk{}, ctx.Err()
	case chunk, ok := <-s.ch:
		if ok {
			return chunk, nil
		}
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return frames.SynthesisChunk{}, err
		}
		return frames.SynthesisChunk{}, io.EOF
	}
}

func (s *ChanStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}
