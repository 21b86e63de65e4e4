package mock

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/harunnryd/callturn/pkg/frames"
	"github.com/harunnryd/callturn/pkg/llm"
	"github.com/harunnryd/callturn/pkg/resilience"
)

func TestSTTEmitsScriptedFinals(t *testing.T) {
	s := NewSTT(STTConfig{Transcripts: []string{"one.", "two."}, FramesPerFragment: 2, InterimTranscript: "on"})
	if err := s.SendAudio(frames.AudioFrame{}); err == nil {
		t.Fatalf("expected error before start")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := s.SendAudio(frames.AudioFrame{}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	_ = s.Close()

	var finals []string
	interims := 0
	for f := range s.Results() {
		if f.IsFinal {
			finals = append(finals, f.Text)
		} else {
			interims++
		}
	}
	if len(finals) != 2 || finals[0] != "one." || finals[1] != "two." {
		t.Fatalf("unexpected finals %v", finals)
	}
	if interims != 2 {
		t.Fatalf("expected 2 interim fragments, got %d", interims)
	}
}

func TestTTSChunked(t *testing.T) {
	s := NewTTS(TTSConfig{BytesPerChar: 10, ChunkBytes: 15})
	stream, err := s.Synthesize(context.Background(), "abc")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	total, chunks := 0, 0
	for {
		c, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		total += len(c.Audio)
		chunks++
	}
	if total != 30 || chunks != 2 {
		t.Fatalf("expected 30 bytes in 2 chunks, got %d in %d", total, chunks)
	}
}

func TestLLMEchoAndFailures(t *testing.T) {
	g := NewLLM(LLMConfig{})
	resp, err := g.Generate(context.Background(), []llm.Message{{Role: llm.RoleSystem, Content: "sys"}, {Role: llm.RoleUser, Content: "hi"}})
	if err != nil || resp.Text != "You said: hi" {
		t.Fatalf("unexpected echo %q err=%v", resp.Text, err)
	}

	_, err = NewLLM(LLMConfig{FailWith: "rate_limit"}).Generate(context.Background(), nil)
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	_, err = NewLLM(LLMConfig{FailWith: "auth"}).Generate(context.Background(), nil)
	if !resilience.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}
