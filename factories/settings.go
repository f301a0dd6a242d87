package factories

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"companionkit/audiocache"
	"companionkit/core"
	"companionkit/handlers/chat"
	"companionkit/history"
	llmservice "companionkit/services/openai/llm"
	kokorotts "companionkit/services/kokoro/tts"
	"companionkit/utils/text"
	"companionkit/web"
)

// SettingsConfig is the top-level config loaded from settings.json. Secrets
// (login credentials, cookie secret, API key) are never read from this file;
// inject them from the environment via InjectCredentials.
type SettingsConfig struct {
	// Server configures the HTTP shell.
	Server web.Config `json:"server"`
	// Chat configures the conversation handler (persona, history bound).
	Chat chat.ChatConfig `json:"chat"`
	// LLM configures the chat-completion service.
	LLM llmservice.Config `json:"llm"`
	// TTS configures the speech-synthesis service.
	TTS kokorotts.Config `json:"tts"`
	// HistoryPath is the JSON document holding the rolling conversation.
	HistoryPath string `json:"history_path"`
	// AudioDir is the content-addressed audio cache directory, wiped at
	// every start.
	AudioDir string `json:"audio_dir"`
}

// DefaultSettingsConfig returns a SettingsConfig pre-filled with component
// defaults.
func DefaultSettingsConfig() SettingsConfig {
	return SettingsConfig{
		Server:      web.DefaultConfig(),
		Chat:        chat.DefaultConfig(),
		LLM:         llmservice.DefaultConfig(),
		TTS:         kokorotts.DefaultConfig(),
		HistoryPath: "data/chat_history.json",
		AudioDir:    "generated_audio",
	}
}

// SettingsConfigFromJSON parses a JSON blob into a SettingsConfig, starting
// from DefaultSettingsConfig so fields absent from the JSON retain their
// defaults.
func SettingsConfigFromJSON(data []byte) (SettingsConfig, error) {
	cfg := DefaultSettingsConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return SettingsConfig{}, fmt.Errorf("settings: %w", err)
	}
	return cfg, nil
}

// SettingsConfigFromFile reads and parses a SettingsConfig from a JSON file.
func SettingsConfigFromFile(path string) (SettingsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultSettingsConfig(), fmt.Errorf("settings: read %q: %w", path, err)
	}
	return SettingsConfigFromJSON(data)
}

// Credentials holds the secrets injected from the environment after loading
// settings, so they are never stored in config files.
type Credentials struct {
	Username      string // Login username for the web shell.
	Password      string // Login password for the web shell.
	SessionSecret string // Cookie signing secret.
	LLMAPIKey     string // API key for the inference endpoint, if any.
}

// InjectCredentials applies secrets to the relevant component configs,
// filling only fields that are still empty.
func (c *SettingsConfig) InjectCredentials(creds Credentials) {
	if c.Server.Username == "" {
		c.Server.Username = creds.Username
	}
	if c.Server.Password == "" {
		c.Server.Password = creds.Password
	}
	if c.Server.SessionSecret == "" {
		c.Server.SessionSecret = creds.SessionSecret
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = creds.LLMAPIKey
	}
}

// Build constructs the full object graph: normalizer, synthesis service,
// audio cache (wiping its directory), history store (loading prior turns),
// LLM service, chat handler, and the web server.
func (c SettingsConfig) Build(logger *core.Logger) (*web.Server, error) {
	if logger == nil {
		logger = core.GetLogger()
	}

	normalizer := text.NewSpeechNormalizer(c.Chat.SpeakerName)

	synth := kokorotts.NewKokoroTTS(c.TTS, logger)
	cache, err := audiocache.NewCache(c.AudioDir, normalizer, synth, logger)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}

	store := history.NewStore(c.HistoryPath, c.Chat.MaxHistory, logger)
	turns := store.Load()
	logger.With(map[string]any{"turns": len(turns), "path": c.HistoryPath}).Info("conversation history loaded")

	llm := llmservice.NewOpenAIChatService(c.LLM, logger)
	if err := llm.Init(context.Background()); err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}

	chatHandler := chat.NewChatHandler(c.Chat, store, llm, cache, logger)

	server, err := web.NewServer(c.Server, chatHandler, cache, store, logger)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	return server, nil
}
