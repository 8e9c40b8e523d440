package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuth is returned when the provider rejects credentials.
	// Callers must not retry.
	ErrAuth = errors.New("llm: authentication failed")

	// ErrUnavailable is returned when the provider cannot be reached or
	// keeps failing after the retry budget. Retryable at the job level.
	ErrUnavailable = errors.New("llm: provider unavailable")
)

// Role selects the embedding prefix convention for asymmetric models.
type Role string

const (
	// RoleDocument embeds text for storage.
	RoleDocument Role = "document"
	// RoleQuery embeds text for search.
	RoleQuery Role = "query"
)

// Provider is the interface for LLM interactions.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embeddings for a batch of texts. The role controls
	// per-role prefixes for models that distinguish documents from queries.
	Embed(ctx context.Context, texts []string, role Role) ([][]float32, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures an LLM provider.
type Config struct {
	Provider string `json:"provider"` // ollama, lmstudio, openai, custom
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg), nil
	case "lmstudio":
		return NewLMStudio(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	case "custom":
		return NewOpenAICompat(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

// applyRolePrefix prepends the model's role prefix to each text. Nomic and
// E5 family models are asymmetric and degrade without these markers; other
// models pass through unchanged.
func applyRolePrefix(model string, role Role, texts []string) []string {
	var prefix string
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "nomic-embed"):
		if role == RoleQuery {
			prefix = "search_query: "
		} else {
			prefix = "search_document: "
		}
	case strings.Contains(lower, "e5"):
		if role == RoleQuery {
			prefix = "query: "
		} else {
			prefix = "passage: "
		}
	default:
		return texts
	}

	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = prefix + t
	}
	return out
}
