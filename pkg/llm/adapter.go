package llm

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged entry of the conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// Generator produces one reply for an ordered history. Failures must be
// distinguishable: resilience.RateLimitError for quota, resilience.AuthError
// for credentials, anything else for transport or status problems.
type Generator interface {
	Name() string
	Generate(ctx context.Context, messages []Message) (Response, error)
}
