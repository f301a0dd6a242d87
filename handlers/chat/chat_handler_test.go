package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"companionkit/core"
	"companionkit/history"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	reply string
	err   error

	gotSystem string
	gotTurns  []core.Turn
	gotUser   string
}

func (f *fakeLLM) Complete(_ context.Context, system string, turns []core.Turn, userText string) (string, error) {
	f.gotSystem = system
	f.gotTurns = turns
	f.gotUser = userText
	return f.reply, f.err
}

type fakeCache struct {
	warmed []string
	err    error
}

func (f *fakeCache) GetOrCreate(_ context.Context, rawText string) (string, error) {
	f.warmed = append(f.warmed, rawText)
	return "deadbeef.wav", f.err
}

func newTestHandler(t *testing.T, llm LLMService, cache SpeechCache) (*ChatHandler, *history.Store) {
	t.Helper()
	store := history.NewStore(filepath.Join(t.TempDir(), "chat_history.json"), 50, nil)
	store.Load()
	return NewChatHandler(DefaultConfig(), store, llm, cache, nil), store
}

func TestHandleMessageSuccess(t *testing.T) {
	llm := &fakeLLM{reply: "  I missed you too.  "}
	cache := &fakeCache{}
	h, store := newTestHandler(t, llm, cache)

	reply, err := h.HandleMessage(context.Background(), "I missed you.")
	require.NoError(t, err)
	assert.Equal(t, "I missed you too.", reply)

	turns := store.Snapshot()
	require.Len(t, turns, 2)
	assert.Equal(t, core.RoleUser, turns[0].Role)
	assert.Equal(t, "I missed you.", turns[0].Content)
	assert.Equal(t, core.RoleAI, turns[1].Role)
	assert.Equal(t, "I missed you too.", turns[1].Content)

	// The audio cache is pre-warmed with the trimmed reply.
	require.Len(t, cache.warmed, 1)
	assert.Equal(t, "I missed you too.", cache.warmed[0])
}

func TestModelSeesTimedMessageHistoryDoesNot(t *testing.T) {
	llm := &fakeLLM{reply: "ok"}
	h, store := newTestHandler(t, llm, &fakeCache{})

	_, err := h.HandleMessage(context.Background(), "good morning")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(llm.gotUser, "The time is "), "got %q", llm.gotUser)
	assert.True(t, strings.HasSuffix(llm.gotUser, ". good morning"), "got %q", llm.gotUser)
	assert.Equal(t, "good morning", store.Snapshot()[0].Content)
}

func TestInferenceFailureReturnsFallback(t *testing.T) {
	llm := &fakeLLM{err: errors.New("connection refused")}
	cache := &fakeCache{}
	h, store := newTestHandler(t, llm, cache)

	reply, err := h.HandleMessage(context.Background(), "hello?")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().FallbackReply, reply)

	// The failed turn is discarded entirely.
	assert.Equal(t, 0, store.Len())
	assert.Empty(t, cache.warmed)
}

func TestContextCancellationPropagates(t *testing.T) {
	llm := &fakeLLM{reply: "never used"}
	h, store := newTestHandler(t, llm, &fakeCache{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.HandleMessage(ctx, "hello?")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.Len())
}

func TestCacheFailureDoesNotAffectReply(t *testing.T) {
	llm := &fakeLLM{reply: "still fine"}
	cache := &fakeCache{err: &core.SynthesisError{Err: errors.New("engine offline")}}
	h, store := newTestHandler(t, llm, cache)

	reply, err := h.HandleMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "still fine", reply)
	assert.Equal(t, 2, store.Len())
}

func TestModelReceivesHistorySnapshot(t *testing.T) {
	llm := &fakeLLM{reply: "second answer"}
	h, store := newTestHandler(t, llm, &fakeCache{})

	require.NoError(t, store.Append(
		core.Turn{Role: core.RoleUser, Content: "first question"},
		core.Turn{Role: core.RoleAI, Content: "first answer"},
	))

	_, err := h.HandleMessage(context.Background(), "second question")
	require.NoError(t, err)

	require.Len(t, llm.gotTurns, 2)
	assert.Equal(t, "first question", llm.gotTurns[0].Content)
	assert.Equal(t, "first answer", llm.gotTurns[1].Content)
}

func TestSystemPromptSummarizesPriorConversation(t *testing.T) {
	store := history.NewStore(filepath.Join(t.TempDir(), "chat_history.json"), 50, nil)
	store.Load()
	require.NoError(t, store.Append(
		core.Turn{Role: core.RoleUser, Content: "remember the lake?"},
		core.Turn{Role: core.RoleAI, Content: "of course I do"},
	))

	llm := &fakeLLM{reply: "ok"}
	h := NewChatHandler(DefaultConfig(), store, llm, &fakeCache{}, nil)

	_, err := h.HandleMessage(context.Background(), "hi")
	require.NoError(t, err)

	assert.Contains(t, llm.gotSystem, DefaultConfig().Persona)
	assert.Contains(t, llm.gotSystem, "User: remember the lake?")
	assert.Contains(t, llm.gotSystem, "AI: of course I do")
	assert.NotContains(t, llm.gotSystem, "No previous conversation.")
}

func TestSystemPromptEmptyHistory(t *testing.T) {
	llm := &fakeLLM{reply: "ok"}
	h, _ := newTestHandler(t, llm, &fakeCache{})

	_, err := h.HandleMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Contains(t, llm.gotSystem, "No previous conversation.")
}
