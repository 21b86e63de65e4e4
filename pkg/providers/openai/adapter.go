// Package openai generates replies with the OpenAI chat completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/callturn/pkg/configutil"
	"github.com/harunnryd/callturn/pkg/llm"
	"github.com/harunnryd/callturn/pkg/resilience"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Settings is the vendors.llm.settings block.
type Settings struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	BaseURL     string        `mapstructure:"base_url"`
	Temperature *float64      `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

var SettingsSchema = configutil.Schema{
	Required: []string{"api_key", "model"},
	Optional: []string{"base_url", "temperature", "max_tokens", "timeout"},
}

// StatusError is a non-2xx response that is neither a rate limit nor an
// auth failure.
type StatusError struct {
	Status int
	Body   string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("openai: status %d: %s", e.Status, e.Body)
}

type Adapter struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature *float64
	MaxTokens   int
	Client      *http.Client
}

func NewAdapter(apiKey, model string) *Adapter {
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: defaultBaseURL,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// FromSettings builds an adapter from a vendors.llm.settings block.
func FromSettings(raw map[string]any) (*Adapter, error) {
	var s Settings
	if err := configutil.DecodeSettings(raw, SettingsSchema, &s); err != nil {
		return nil, fmt.Errorf("vendors.llm.settings: %w", err)
	}
	if err := configutil.RequireString(s.APIKey, "vendors.llm.settings.api_key"); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.Model, "vendors.llm.settings.model"); err != nil {
		return nil, err
	}
	a := NewAdapter(s.APIKey, s.Model)
	if s.BaseURL != "" {
		a.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	if s.Timeout > 0 {
		a.Client.Timeout = s.Timeout
	}
	a.Temperature = s.Temperature
	a.MaxTokens = s.MaxTokens
	return a, nil
}

func (a *Adapter) Name() string { return "openai" }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Generate(ctx context.Context, messages []llm.Message) (llm.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       a.Model,
		Messages:    messages,
		Temperature: a.Temperature,
		MaxTokens:   a.MaxTokens,
	})
	if err != nil {
		return llm.Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return llm.Response{}, err
	}
	a.applyHeaders(req)
	resp, err := a.client().Do(req)
	if err != nil {
		return llm.Response{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return llm.Response{}, resilience.RateLimitError{Provider: "openai", Message: string(b)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return llm.Response{}, resilience.AuthError{Provider: "openai", Status: resp.StatusCode, Message: string(b)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return llm.Response{}, StatusError{Status: resp.StatusCode, Body: string(b)}
	}

	var payload chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, fmt.Errorf("openai: decode: %w", err)
	}
	if len(payload.Choices) == 0 {
		return llm.Response{}, errors.New("openai: no choices")
	}
	first := payload.Choices[0]
	return llm.Response{
		Text:         strings.TrimSpace(first.Message.Content),
		FinishReason: first.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     payload.Usage.PromptTokens,
			CompletionTokens: payload.Usage.CompletionTokens,
			TotalTokens:      payload.Usage.TotalTokens,
		},
	}, nil
}

func (a *Adapter) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

var _ llm.Generator = (*Adapter)(nil)
