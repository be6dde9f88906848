// Package advisor generates financial guidance replies. A local Ollama model
// is preferred when available, with hosted OpenRouter models as fallback.
package advisor

import "context"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior exchange in the conversation history.
type Turn struct {
	Role string
	Text string
}

// Request is a provider-agnostic completion request.
type Request struct {
	System    string
	History   []Turn
	UserText  string
	MaxTokens int
}

// Provider produces a completion for a request. Implementations must honor
// ctx cancellation.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}
