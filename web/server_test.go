package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"companionkit/audiocache"
	"companionkit/core"
	"companionkit/handlers/chat"
	"companionkit/history"
	"companionkit/utils/text"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	reply string
}

func (f *fakeLLM) Complete(_ context.Context, _ string, _ []core.Turn, _ string) (string, error) {
	return f.reply, nil
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(_ context.Context, _ string) (core.AudioChunk, error) {
	return core.AudioChunk{
		Data:       []byte{0x01, 0x02, 0x03, 0x04},
		SampleRate: 24000,
		Channels:   1,
		Format:     core.PCM,
	}, nil
}

type fixture struct {
	server *Server
	cache  *audiocache.Cache
	store  *history.Store
}

func newFixture(t *testing.T, reply string) *fixture {
	t.Helper()

	normalizer := text.NewSpeechNormalizer("Eva")
	cache, err := audiocache.NewCache(filepath.Join(t.TempDir(), "audio"), normalizer, fakeSynth{}, nil)
	require.NoError(t, err)

	store := history.NewStore(filepath.Join(t.TempDir(), "chat_history.json"), 50, nil)
	store.Load()

	chatHandler := chat.NewChatHandler(chat.DefaultConfig(), store, &fakeLLM{reply: reply}, cache, nil)

	cfg := DefaultConfig()
	cfg.Username = "alice"
	cfg.Password = "s3cret"
	cfg.SessionSecret = "test-session-secret"

	server, err := NewServer(cfg, chatHandler, cache, store, nil)
	require.NoError(t, err)

	return &fixture{server: server, cache: cache, store: store}
}

// login performs the form POST and returns the session cookie.
func (f *fixture) login(t *testing.T) *http.Cookie {
	t.Helper()
	form := url.Values{"username": {"alice"}, "password": {"s3cret"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/dashboard", rec.Header().Get("Location"))
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies[0]
}

func (f *fixture) do(req *http.Request, cookie *http.Cookie) *httptest.ResponseRecorder {
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestLoginPageRenders(t *testing.T) {
	f := newFixture(t, "hi")
	rec := f.do(httptest.NewRequest(http.MethodGet, "/", nil), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "password")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newFixture(t, "hi")
	form := url.Values{"username": {"alice"}, "password": {"wrong"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := f.do(req, nil)

	// The login form is re-rendered without a session cookie.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
}

func TestDashboardRequiresLogin(t *testing.T) {
	f := newFixture(t, "hi")

	for _, path := range []string{"/dashboard", "/speak?text=hi"} {
		rec := f.do(httptest.NewRequest(http.MethodGet, path, nil), nil)
		assert.Equal(t, http.StatusFound, rec.Code, "path %s", path)
		assert.Equal(t, "/", rec.Header().Get("Location"), "path %s", path)
	}
}

func TestDashboardShowsConversation(t *testing.T) {
	f := newFixture(t, "hi")
	require.NoError(t, f.store.Append(
		core.Turn{Role: core.RoleUser, Content: "hello there"},
		core.Turn{Role: core.RoleAI, Content: "welcome back"},
	))
	cookie := f.login(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/dashboard", nil), cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello there")
	assert.Contains(t, rec.Body.String(), "welcome back")
}

func TestChatRoundTrip(t *testing.T) {
	f := newFixture(t, "So happy to see you!")
	cookie := f.login(t)

	body, err := sonic.Marshal(map[string]string{"message": "hi love"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/dashboard", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := f.do(req, cookie)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp map[string]string
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "So happy to see you!", resp["response"])

	// The turn is now part of the conversation, and the reply audio is
	// already cached for the playback request that follows.
	assert.Equal(t, 2, f.store.Len())
	assert.True(t, f.cache.Exists(f.cache.Key("So happy to see you!")))
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t, "hi")
	cookie := f.login(t)

	for _, body := range []string{`{}`, `{"message":"   "}`, `not json`} {
		req := httptest.NewRequest(http.MethodPost, "/dashboard", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := f.do(req, cookie)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}
	assert.Equal(t, 0, f.store.Len())
}

func TestSpeakServesCachedAudio(t *testing.T) {
	f := newFixture(t, "hi")
	cookie := f.login(t)

	_, err := f.cache.GetOrCreate(context.Background(), "Good night, love.")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/speak?text="+url.QueryEscape("Good night, love."), nil)
	rec := f.do(req, cookie)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	assert.Equal(t, "RIFF", rec.Body.String()[:4])
}

func TestSpeakBlankText(t *testing.T) {
	f := newFixture(t, "hi")
	cookie := f.login(t)

	for _, target := range []string{"/speak", "/speak?text=", "/speak?text=%20%20"} {
		rec := f.do(httptest.NewRequest(http.MethodGet, target, nil), cookie)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "target %s", target)
		assert.Contains(t, rec.Body.String(), "No text provided")
	}
}

func TestSpeakMissingAudioDoesNotSynthesize(t *testing.T) {
	f := newFixture(t, "hi")
	cookie := f.login(t)

	req := httptest.NewRequest(http.MethodGet, "/speak?text="+url.QueryEscape("never generated"), nil)
	rec := f.do(req, cookie)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Audio not found")
	assert.False(t, f.cache.Exists(f.cache.Key("never generated")))
}

func TestSpeakULawVariant(t *testing.T) {
	f := newFixture(t, "hi")
	cookie := f.login(t)

	_, err := f.cache.GetOrCreate(context.Background(), "telephone voice")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/speak?format=ulaw&text="+url.QueryEscape("telephone voice"), nil)
	rec := f.do(req, cookie)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.Bytes()
	assert.Equal(t, "RIFF", string(body[:4]))
	// Format tag 7 (µ-law) in the fmt chunk.
	assert.Equal(t, byte(7), body[20])
}

func TestLogoutEndsSession(t *testing.T) {
	f := newFixture(t, "hi")
	cookie := f.login(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/logout", nil), cookie)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	// The cookie handed back by logout no longer grants access.
	cleared := rec.Result().Cookies()
	var next *http.Cookie
	if len(cleared) > 0 {
		next = cleared[0]
	}
	rec = f.do(httptest.NewRequest(http.MethodGet, "/dashboard", nil), next)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}
