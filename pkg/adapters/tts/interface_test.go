package tts

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/harunnryd/callturn/pkg/frames"
)

func TestWholeStreamSingleChunk(t *testing.T) {
	s := WholeStream([]byte{1, 2, 3})
	chunk, err := s.Next(context.Background())
	if err != nil || !chunk.Final || len(chunk.Audio) != 3 {
		t.Fatalf("unexpected first chunk %+v err=%v", chunk, err)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestChanStreamDeliversThenError(t *testing.T) {
	closed := false
	s := NewChanStream(2, func() { closed = true })
	ctx := context.Background()
	if err := s.Push(ctx, frames.SynthesisChunk{Audio: []byte{1}}); err != nil {
		t.Fatalf("push: %v", err)
	}
	boom := errors.New("socket reset")
	s.Finish(boom)
	s.Finish(nil)

	if chunk, err := s.Next(ctx); err != nil || len(chunk.Audio) != 1 {
		t.Fatalf("expected buffered chunk, got %+v err=%v", chunk, err)
	}
	if _, err := s.Next(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected stream error, got %v", err)
	}
	_ = s.Close()
	if !closed {
		t.Fatalf("expected close hook")
	}
}

func TestChanStreamCleanEnd(t *testing.T) {
	s := NewChanStream(1, nil)
	s.Finish(nil)
	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestChanStreamPushStopsAfterClose(t *testing.T) {
	s := NewChanStream(1, nil)
	ctx := context.Background()
	if err := s.Push(ctx, frames.SynthesisChunk{Audio: []byte{1}}); err != nil {
		t.Fatalf("push: %v", err)
	}
	_ = s.Close()
	_ = s.Close()
	if err := s.Push(ctx, frames.SynthesisChunk{Audio: []byte{2}}); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}
