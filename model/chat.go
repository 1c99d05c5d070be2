// Package model abstracts LLM chat providers behind a single interface so
// task tools and the reasoner can run against Anthropic, OpenAI, Google, or
// a mock without caring which.
package model

import "context"

// ChatModel is the provider-neutral chat interface.
//
// Implementations handle provider authentication, convert Message values to
// the provider's wire format, and respect context cancellation. Errors are
// reported as *ProviderError where the provider gives enough detail to
// classify them.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// Message is one turn of a conversation.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content is the message text.
	Content string
}

// Standard conversation roles, shared across providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatOut is a completed chat response.
type ChatOut struct {
	// Text is the generated response.
	Text string

	// TokensUsed is the provider-reported total token count, zero when the
	// provider does not report usage.
	TokensUsed int
}

// ProviderError is a classified provider failure. Retryable errors (rate
// limits, server errors, timeouts) are safe to retry with backoff;
// permanent ones (bad key, exhausted quota) are not.
type ProviderError struct {
	Provider  string
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return e.Provider + " " + e.Code + ": " + e.Message
}

// Canonical ProviderError codes.
const (
	ErrCodeInvalidAPIKey = "invalid_api_key"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeQuotaExceeded = "quota_exceeded"
	ErrCodeServerError   = "server_error"
	ErrCodeTimeout       = "timeout"
	ErrCodeAPIError      = "api_error"
)
