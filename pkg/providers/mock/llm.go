package mock

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/harunnryd/callturn/pkg/llm"
	"github.com/harunnryd/callturn/pkg/resilience"
)

type LLMConfig struct {
	// ResponseText is returned verbatim; empty echoes the last user message.
	ResponseText string `mapstructure:"response_text"`
	// FailWith makes every call fail: "rate_limit", "auth" or "error".
	FailWith string `mapstructure:"fail_with"`
}

type Generator struct {
	cfg LLMConfig

	mu    sync.Mutex
	calls int
}

func NewLLM(cfg LLMConfig) *Generator {
	return &Generator{cfg: cfg}
}

func (g *Generator) Name() string { return "mock_llm" }

func (g *Generator) Generate(ctx context.Context, messages []llm.Message) (llm.Response, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	switch strings.ToLower(g.cfg.FailWith) {
	case "":
	case "rate_limit":
		return llm.Response{}, resilience.RateLimitError{Provider: "mock", Message: "insufficient_quota"}
	case "auth":
		return llm.Response{}, resilience.AuthError{Provider: "mock", Status: 401}
	default:
		return llm.Response{}, errors.New("mock llm: " + g.cfg.FailWith)
	}
	if g.cfg.ResponseText != "" {
		return llm.Response{Text: g.cfg.ResponseText, FinishReason: "stop"}, nil
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return llm.Response{Text: "You said: " + messages[i].Content, FinishReason: "stop"}, nil
		}
	}
	return llm.Response{Text: "mock response", FinishReason: "stop"}, nil
}

// Calls counts Generate invocations.
func (g *Generator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

var _ llm.Generator = (*Generator)(nil)
