package llm

// NewLMStudio creates a provider for LM Studio's local server, which
// exposes an OpenAI-compatible API.
func NewLMStudio(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:1234"
	}
	return &openAICompatProvider{base: newOpenAICompatClient(cfg)}
}
