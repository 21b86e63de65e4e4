// Package mock provides scripted providers for local runs and demos.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/callturn/pkg/adapters/stt"
	"github.com/harunnryd/callturn/pkg/frames"
)

type STTConfig struct {
	// Transcripts are emitted in turn, one final fragment each, every
	// FramesPerFragment audio frames. An empty list repeats "mock transcript".
	Transcripts       []string `mapstructure:"transcripts"`
	InterimTranscript string   `mapstructure:"interim_transcript"`
	FramesPerFragment int      `mapstructure:"frames_per_fragment"`
	Confidence        float64  `mapstructure:"confidence"`
}

var errSTTNotStarted = errors.New("mock stt: not started")

// StreamingSTT turns audio frame counts into scripted fragments.
type StreamingSTT struct {
	cfg STTConfig
	out chan frames.TranscriptFragment

	mu      sync.Mutex
	started bool
	closed  bool
	frames  int
	next    int
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if len(cfg.Transcripts) == 0 {
		cfg.Transcripts = []string{"mock transcript."}
	}
	if cfg.FramesPerFragment <= 0 {
		cfg.FramesPerFragment = 50
	}
	return &StreamingSTT{cfg: cfg, out: make(chan frames.TranscriptFragment, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frames.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return errSTTNotStarted
	}
	s.frames++
	half := s.cfg.FramesPerFragment / 2
	switch {
	case s.cfg.InterimTranscript != "" && half > 0 && s.frames%s.cfg.FramesPerFragment == half:
		s.emitLocked(s.cfg.InterimTranscript, false)
	case s.frames%s.cfg.FramesPerFragment == 0:
		text := s.cfg.Transcripts[s.next%len(s.cfg.Transcripts)]
		s.next++
		s.emitLocked(text, true)
	}
	return nil
}

func (s *StreamingSTT) emitLocked(text string, final bool) {
	var confidence *float64
	if s.cfg.Confidence > 0 {
		c := s.cfg.Confidence
		confidence = &c
	}
	select {
	case s.out <- frames.NewFragment(text, final, confidence, time.Now()):
	default:
	}
}

func (s *StreamingSTT) Results() <-chan frames.TranscriptFragment { return s.out }

func (s *StreamingSTT) Err() error { return nil }

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
