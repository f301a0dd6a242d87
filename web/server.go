// Package web is the HTTP shell: login gate, chat dispatch, and audio
// playback. It holds no conversation state of its own; everything flows
// through the chat handler and the audio cache.
package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"companionkit/audiocache"
	"companionkit/core"
	"companionkit/handlers/chat"
	"companionkit/history"
	"companionkit/utils/audio"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
)

//go:embed templates/*.html
var templateFS embed.FS

const sessionLoggedInKey = "logged_in"

// Config holds the HTTP shell configuration. Credentials and the cookie
// secret are injected from the environment, never stored in settings files.
type Config struct {
	Addr          string `json:"addr"`
	SessionName   string `json:"session_name"`
	Username      string `json:"-"`
	Password      string `json:"-"`
	SessionSecret string `json:"-"`
	// ULawSampleRate is the output rate for the telephony variant of /speak.
	ULawSampleRate int `json:"ulaw_sample_rate"`
}

// DefaultConfig returns a Config with the development listen address.
func DefaultConfig() Config {
	return Config{
		Addr:           ":5000",
		SessionName:    "companionkit_session",
		ULawSampleRate: 8000,
	}
}

// Server wires the chat handler, audio cache, and history store behind the
// four routes of the companion UI.
type Server struct {
	config    Config
	logger    *core.Logger
	chat      *chat.ChatHandler
	cache     *audiocache.Cache
	store     *history.Store
	sessions  *sessions.CookieStore
	router    *mux.Router
	templates *template.Template
}

// NewServer constructs the server, parses the embedded templates, and
// registers routes.
func NewServer(config Config, chatHandler *chat.ChatHandler, cache *audiocache.Cache, store *history.Store, logger *core.Logger) (*Server, error) {
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.SessionName == "" {
		config.SessionName = DefaultConfig().SessionName
	}
	if config.ULawSampleRate == 0 {
		config.ULawSampleRate = DefaultConfig().ULawSampleRate
	}
	if config.SessionSecret == "" {
		return nil, errors.New("web: session secret is required")
	}
	if logger == nil {
		logger = core.GetLogger()
	}

	templates, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("web: parse templates: %w", err)
	}

	s := &Server{
		config:    config,
		logger:    logger.With(map[string]any{"component": "web"}),
		chat:      chatHandler,
		cache:     cache,
		store:     store,
		sessions:  sessions.NewCookieStore([]byte(config.SessionSecret)),
		templates: templates,
	}

	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.HandleFunc("/", s.handleLogin).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/dashboard", s.requireLogin(s.handleDashboard)).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/speak", s.requireLogin(s.handleSpeak)).Methods(http.MethodGet)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodGet)
	s.router = r

	return s, nil
}

// Handler returns the root http.Handler, useful for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.With(map[string]any{"addr": s.config.Addr}).Info("http server listening")
		errChan <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// requestIDMiddleware tags every request with a UUID for log correlation.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)
		s.logger.With(map[string]any{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
		}).Debug("request received")
		next.ServeHTTP(w, r)
	})
}

// requireLogin redirects unauthenticated requests to the login form.
func (s *Server) requireLogin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.loggedIn(r) {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		next(w, r)
	}
}

func (s *Server) loggedIn(r *http.Request) bool {
	session, err := s.sessions.Get(r, s.config.SessionName)
	if err != nil {
		return false
	}
	v, ok := session.Values[sessionLoggedInKey].(bool)
	return ok && v
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		username := r.FormValue("username")
		password := r.FormValue("password")
		if subtle.ConstantTimeCompare([]byte(username), []byte(s.config.Username)) == 1 &&
			subtle.ConstantTimeCompare([]byte(password), []byte(s.config.Password)) == 1 {
			session, _ := s.sessions.Get(r, s.config.SessionName)
			session.Values[sessionLoggedInKey] = true
			if err := session.Save(r, w); err != nil {
				s.logger.With(map[string]any{"error": err.Error()}).Error("failed to save session")
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			http.Redirect(w, r, "/dashboard", http.StatusFound)
			return
		}
		s.logger.With(map[string]any{"username": username}).Warn("failed login attempt")
	}
	s.render(w, "login.html", nil)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		s.render(w, "dashboard.html", map[string]any{
			"Conversation": s.store.Snapshot(),
		})
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	decoder := sonic.ConfigDefault.NewDecoder(r.Body)
	if err := decoder.Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	reply, err := s.chat.HandleMessage(r.Context(), req.Message)
	if err != nil {
		// Only context cancellation reaches here; inference failures already
		// degraded to the fallback reply inside the handler.
		s.logger.With(map[string]any{"error": err.Error()}).Warn("chat request aborted")
		http.Error(w, "request cancelled", http.StatusServiceUnavailable)
		return
	}

	s.writeJSON(w, map[string]string{"response": reply})
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if strings.TrimSpace(text) == "" {
		http.Error(w, "No text provided", http.StatusBadRequest)
		return
	}

	// The playback path recomputes the key and reads the file; it never
	// synthesizes. Generation happens only on the chat path.
	key := s.cache.Key(text)
	data, err := s.cache.Read(key)
	if err != nil {
		if errors.Is(err, core.ErrAudioNotFound) {
			http.Error(w, "Audio not found", http.StatusNotFound)
			return
		}
		s.logger.With(map[string]any{"key": key, "error": err.Error()}).Error("failed to read audio artifact")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("format") == "ulaw" {
		transcoded, err := audio.WavPCMToULawWav(data, s.config.ULawSampleRate)
		if err != nil {
			s.logger.With(map[string]any{"key": key, "error": err.Error()}).Error("failed to transcode audio artifact")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		data = transcoded
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Write(data)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	session, _ := s.sessions.Get(r, s.config.SessionName)
	session.Options.MaxAge = -1
	delete(session.Values, sessionLoggedInKey)
	if err := session.Save(r, w); err != nil {
		s.logger.With(map[string]any{"error": err.Error()}).Error("failed to clear session")
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.With(map[string]any{"template": name, "error": err.Error()}).Error("failed to render template")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		s.logger.With(map[string]any{"error": err.Error()}).Error("failed to marshal response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}
