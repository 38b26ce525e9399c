package factory

import (
	"fmt"

	"ai-chat-relay-be/internal/pkg/logger"
	"ai-chat-relay-be/pkg/llm"
	llmopenai "ai-chat-relay-be/pkg/llm/openai"
)

// NewChatClient builds a ChatClient for the configured provider. "openai"
// covers any OpenAI-compatible gateway via baseURL.
func NewChatClient(providerType string, cfg llmopenai.Config, log logger.ILogger) (llm.ChatClient, error) {
	switch providerType {
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return llmopenai.NewClient(cfg, log), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", providerType)
	}
}
