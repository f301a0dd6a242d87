package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"companionkit/core"

	"github.com/sashabaranov/go-openai"
)

// Config holds the configuration for the chat-completion service. BaseURL
// defaults to a local llama.cpp-compatible server, which accepts any API key.
type Config struct {
	APIKey      string   `json:"api_key,omitempty"`
	BaseURL     string   `json:"base_url"`
	Model       string   `json:"model"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float32  `json:"temperature"`
	Stop        []string `json:"stop"`
}

// DefaultConfig returns a Config targeting a local inference server with the
// stop tokens the companion persona expects (single-line replies).
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://127.0.0.1:8080/v1",
		Model:       "local",
		MaxTokens:   512,
		Temperature: 0.8,
		Stop:        []string{"\n", "<|endoftext|>"},
	}
}

// OpenAIChatService implements the chat service against any OpenAI-compatible
// completion endpoint.
type OpenAIChatService struct {
	config Config
	logger *core.Logger

	mu            sync.RWMutex
	client        *openai.Client
	isInitialized bool
}

// NewOpenAIChatService creates a new instance of OpenAIChatService.
func NewOpenAIChatService(config Config, logger *core.Logger) *OpenAIChatService {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &OpenAIChatService{
		config: config,
		logger: logger.With(map[string]any{"component": "llm"}),
	}
}

// Init initializes the underlying client. Local servers ignore the API key,
// so a placeholder is used when none is configured.
func (s *OpenAIChatService) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	apiKey := s.config.APIKey
	if apiKey == "" {
		apiKey = "not-needed"
	}

	cfg := openai.DefaultConfig(apiKey)
	if s.config.BaseURL != "" {
		cfg.BaseURL = s.config.BaseURL
	}
	s.client = openai.NewClientWithConfig(cfg)
	s.isInitialized = true
	return nil
}

// Complete runs one synchronous chat completion: system preamble, the prior
// conversation turns in order, then the new user message. Returns the reply
// text with surrounding whitespace trimmed.
func (s *OpenAIChatService) Complete(ctx context.Context, system string, turns []core.Turn, userText string) (string, error) {
	s.mu.RLock()
	client := s.client
	initialized := s.isInitialized
	s.mu.RUnlock()

	if !initialized {
		return "", fmt.Errorf("chat service not initialized")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(turns)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	for _, turn := range turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    convertRole(turn.Role),
			Content: turn.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	})

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.config.Model,
		Messages:    messages,
		MaxTokens:   s.config.MaxTokens,
		Temperature: s.config.Temperature,
		Stop:        s.config.Stop,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// convertRole converts a history role to an OpenAI chat role.
func convertRole(role core.Role) string {
	switch role {
	case core.RoleAI:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}
