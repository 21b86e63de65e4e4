package mock

import (
	"bytes"
	"context"
	"strings"

	"github.com/harunnryd/callturn/pkg/adapters/tts"
	"github.com/harunnryd/callturn/pkg/frames"
)

type TTSConfig struct {
	// BytesPerChar sizes the silent output; 8kHz mulaw at speaking pace is
	// roughly 500 bytes per character.
	BytesPerChar int `mapstructure:"bytes_per_char"`
	// ChunkBytes above zero streams the audio incrementally.
	ChunkBytes int `mapstructure:"chunk_bytes"`
}

// mulaw silence
const silence = 0xFF

// Synthesizer produces silence sized to the text.
type Synthesizer struct {
	cfg TTSConfig
}

func NewTTS(cfg TTSConfig) *Synthesizer {
	if cfg.BytesPerChar <= 0 {
		cfg.BytesPerChar = 500
	}
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Synthesize(ctx context.Context, text string) (tts.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	audio := bytes.Repeat([]byte{silence}, len(strings.TrimSpace(text))*s.cfg.BytesPerChar)
	if s.cfg.ChunkBytes <= 0 {
		return tts.WholeStream(audio), nil
	}
	stream := tts.NewChanStream(len(audio)/s.cfg.ChunkBytes+1, nil)
	for len(audio) > 0 {
		n := min(s.cfg.ChunkBytes, len(audio))
		_ = stream.Push(ctx, frames.SynthesisChunk{Audio: audio[:n], Final: n == len(audio)})
		audio = audio[n:]
	}
	stream.Finish(nil)
	return stream, nil
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
