package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"companionkit/core"
	"companionkit/history"
)

// Wall-clock layouts used in prompts. These are part of the persona's
// presentation, not of any persisted format.
const (
	preambleTimeLayout = "03:04 PM on Monday, January 2"
	messageTimeLayout  = "03:04 PM"
)

// LLMService is the language-model collaborator boundary.
type LLMService interface {
	Complete(ctx context.Context, system string, turns []core.Turn, userText string) (string, error)
}

// SpeechCache is the audio-cache boundary used to pre-warm artifacts.
type SpeechCache interface {
	GetOrCreate(ctx context.Context, rawText string) (string, error)
}

// ChatHandler orchestrates one conversation turn: prompt construction from
// the history store, inference, persistence, and cache pre-warming. It owns
// all per-conversation mutable state explicitly; there are no package-level
// globals. The history store is the single authoritative conversation state;
// the prompt context is derived from it on every turn.
type ChatHandler struct {
	config ChatConfig
	logger *core.Logger

	store *history.Store
	llm   LLMService
	cache SpeechCache

	systemPrompt string
	now          func() time.Time

	// Serializes turns: history append and the model's view of the rolling
	// conversation assume one logical turn at a time.
	mu sync.Mutex
}

// NewChatHandler constructs the handler and builds the fixed system preamble
// from the store's current content. Call after store.Load so the preamble
// summarizes the persisted conversation.
func NewChatHandler(config ChatConfig, store *history.Store, llm LLMService, cache SpeechCache, logger *core.Logger) *ChatHandler {
	if config.MaxHistory <= 0 {
		config.MaxHistory = DefaultConfig().MaxHistory
	}
	if config.FallbackReply == "" {
		config.FallbackReply = DefaultConfig().FallbackReply
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	h := &ChatHandler{
		config: config,
		logger: logger.With(map[string]any{"component": "chat"}),
		store:  store,
		llm:    llm,
		cache:  cache,
		now:    time.Now,
	}
	h.systemPrompt = h.buildSystemPrompt()
	return h
}

// HandleMessage runs one chat turn and returns the reply text. Inference
// failures never propagate: the turn is discarded, the failure is logged,
// and the configured fallback reply is returned. The error result is
// reserved for context cancellation.
func (h *ChatHandler) HandleMessage(ctx context.Context, userText string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	// The model sees the current time as extra context; history stores the
	// original message untouched.
	timedMessage := fmt.Sprintf("The time is %s. %s", h.now().Format(messageTimeLayout), userText)

	reply, err := h.llm.Complete(ctx, h.systemPrompt, h.store.Snapshot(), timedMessage)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		infErr := &core.InferenceError{Err: err}
		h.logger.With(map[string]any{"error": infErr.Error()}).Error("chat turn failed, returning fallback reply")
		return h.config.FallbackReply, nil
	}
	reply = strings.TrimSpace(reply)

	if err := h.store.Append(
		core.Turn{Role: core.RoleUser, Content: userText},
		core.Turn{Role: core.RoleAI, Content: reply},
	); err != nil {
		// The reply already exists; losing one persistence write degrades
		// durability, not the conversation.
		h.logger.With(map[string]any{"error": err.Error()}).Error("failed to persist conversation turn")
	}

	// Pre-warm the audio cache so the playback request that follows is a
	// plain file read. Best effort only.
	if _, err := h.cache.GetOrCreate(ctx, reply); err != nil {
		h.logger.With(map[string]any{"error": err.Error()}).Warn("failed to pre-generate reply audio")
	}

	return reply, nil
}

// buildSystemPrompt assembles the persona preamble: identity, startup time,
// and a textual summary of the persisted conversation captured once at
// construction.
func (h *ChatHandler) buildSystemPrompt() string {
	turns := h.store.Snapshot()
	if len(turns) > h.config.MaxHistory {
		turns = turns[len(turns)-h.config.MaxHistory:]
	}

	summary := "No previous conversation."
	if len(turns) > 0 {
		lines := make([]string, 0, len(turns))
		for _, turn := range turns {
			lines = append(lines, fmt.Sprintf("%s: %s", turn.Role, turn.Content))
		}
		summary = strings.Join(lines, "\n")
	}

	return fmt.Sprintf(
		"%s\n\nThe current time is **%s**. Reply warmly, lovingly, and naturally. Avoid assistant-like tone.\n\n%s",
		h.config.Persona,
		h.now().Format(preambleTimeLayout),
		summary,
	)
}
