package app

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/callturn/pkg/adapters/stt"
	"github.com/harunnryd/callturn/pkg/adapters/tts"
	"github.com/harunnryd/callturn/pkg/config"
	"github.com/harunnryd/callturn/pkg/configutil"
	"github.com/harunnryd/callturn/pkg/llm"
	"github.com/harunnryd/callturn/pkg/providers/deepgram"
	"github.com/harunnryd/callturn/pkg/providers/elevenlabs"
	"github.com/harunnryd/callturn/pkg/providers/mock"
	"github.com/harunnryd/callturn/pkg/providers/openai"
)

// STTFactory opens a fresh transcription connection for one call.
type STTFactory func(callID, traceID string) stt.StreamingSTT

type STTBuilder func(cfg config.Config, logger *slog.Logger) (STTFactory, error)
type TTSBuilder func(cfg config.Config, logger *slog.Logger) (tts.Synthesizer, error)
type LLMBuilder func(cfg config.Config) (llm.Generator, error)

// ProviderRegistry maps vendors.*.provider names to constructors.
type ProviderRegistry struct {
	stt map[string]STTBuilder
	tts map[string]TTSBuilder
	llm map[string]LLMBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTBuilder),
		tts: make(map[string]TTSBuilder),
		llm: make(map[string]LLMBuilder),
	}
}

// DefaultProviders registers every provider shipped with callturn.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("deepgram", buildDeepgram)
	r.RegisterSTT("mock", buildMockSTT)
	r.RegisterTTS("elevenlabs", buildElevenLabs)
	r.RegisterTTS("mock", buildMockTTS)
	r.RegisterLLM("openai", buildOpenAI)
	r.RegisterLLM("mock", buildMockLLM)
	return r
}

func normalizeName(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *ProviderRegistry) RegisterSTT(name string, b STTBuilder) { r.stt[normalizeName(name)] = b }
func (r *ProviderRegistry) RegisterTTS(name string, b TTSBuilder) { r.tts[normalizeName(name)] = b }
func (r *ProviderRegistry) RegisterLLM(name string, b LLMBuilder) { r.llm[normalizeName(name)] = b }

func (r *ProviderRegistry) BuildSTT(cfg config.Config, logger *slog.Logger) (STTFactory, error) {
	fn := r.stt[normalizeName(cfg.Vendors.STT.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", cfg.Vendors.STT.Provider)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildTTS(cfg config.Config, logger *slog.Logger) (tts.Synthesizer, error) {
	fn := r.tts[normalizeName(cfg.Vendors.TTS.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", cfg.Vendors.TTS.Provider)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildLLM(cfg config.Config) (llm.Generator, error) {
	fn := r.llm[normalizeName(cfg.Vendors.LLM.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", cfg.Vendors.LLM.Provider)
	}
	return fn(cfg)
}

func audioFormat(cfg config.Config) stt.Config {
	return stt.Config{
		SampleRate: cfg.Audio.SampleRate,
		Encoding:   cfg.Audio.Encoding,
		Channels:   1,
	}
}

func buildDeepgram(cfg config.Config, logger *slog.Logger) (STTFactory, error) {
	base, err := deepgram.ConfigFromSettings(cfg.Vendors.STT.Settings, audioFormat(cfg))
	if err != nil {
		return nil, err
	}
	return func(callID, traceID string) stt.StreamingSTT {
		c := base
		c.CallID = callID
		c.TraceID = traceID
		c.Logger = logger
		return deepgram.New(c)
	}, nil
}

var mockSTTSchema = configutil.Schema{
	Optional: []string{"transcripts", "interim_transcript", "frames_per_fragment", "confidence"},
}

func buildMockSTT(cfg config.Config, _ *slog.Logger) (STTFactory, error) {
	var c mock.STTConfig
	if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, mockSTTSchema, &c); err != nil {
		return nil, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	return func(string, string) stt.StreamingSTT { return mock.NewSTT(c) }, nil
}

func buildElevenLabs(cfg config.Config, logger *slog.Logger) (tts.Synthesizer, error) {
	c, err := elevenlabs.ConfigFromSettings(cfg.Vendors.TTS.Settings)
	if err != nil {
		return nil, err
	}
	c.Logger = logger
	return elevenlabs.New(c), nil
}

var mockTTSSchema = configutil.Schema{Optional: []string{"bytes_per_char", "chunk_bytes"}}

func buildMockTTS(cfg config.Config, _ *slog.Logger) (tts.Synthesizer, error) {
	var c mock.TTSConfig
	if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, mockTTSSchema, &c); err != nil {
		return nil, fmt.Errorf("vendors.tts.settings: %w", err)
	}
	return mock.NewTTS(c), nil
}

func buildOpenAI(cfg config.Config) (llm.Generator, error) {
	a, err := openai.FromSettings(cfg.Vendors.LLM.Settings)
	if err != nil {
		return nil, err
	}
	return a, nil
}

var mockLLMSchema = configutil.Schema{Optional: []string{"response_text", "fail_with"}}

func buildMockLLM(cfg config.Config) (llm.Generator, error) {
	var c mock.LLMConfig
	if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, mockLLMSchema, &c); err != nil {
		return nil, fmt.Errorf("vendors.llm.settings: %w", err)
	}
	return mock.NewLLM(c), nil
}
