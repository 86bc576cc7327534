// Package api implements the HTTP API the PWA talks to: conversation
// CRUD, message send, message history, and a WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/solenne-ai/solenne/internal/auth"
	"github.com/solenne-ai/solenne/internal/bridge"
	"github.com/solenne-ai/solenne/internal/buildinfo"
	"github.com/solenne-ai/solenne/internal/connwatch"
	"github.com/solenne-ai/solenne/internal/events"
	"github.com/solenne-ai/solenne/internal/markdown"
	"github.com/solenne-ai/solenne/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	bridge  *bridge.Bridge
	tokens  *auth.Store
	runner  *connwatch.Watcher
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, br *bridge.Bridge, bus *events.Bus, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		bridge:  br,
		bus:     bus,
		logger:  logger,
	}
}

// SetTokenStore enables Bearer authentication. Without a token store all
// endpoints are open, which is only sensible on a trusted network.
func (s *Server) SetTokenStore(ts *auth.Store) {
	s.tokens = ts
}

// SetRunnerWatcher wires the runner health watcher into /health.
func (s *Server) SetRunnerWatcher(w *connwatch.Watcher) {
	s.runner = w
}

// Handler builds the route table. Exposed separately from Start so tests
// can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/conversations", s.requireAuth(s.handleConversationCreate))
	mux.HandleFunc("GET /v1/conversations", s.requireAuth(s.handleConversationList))
	mux.HandleFunc("GET /v1/conversations/{id}", s.requireAuth(s.handleConversationGet))
	mux.HandleFunc("POST /v1/conversations/{id}/name", s.requireAuth(s.handleConversationRename))
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.requireAuth(s.handleConversationDelete))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.requireAuth(s.handleMessageList))
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.requireAuth(s.handleMessageSend))

	mux.HandleFunc("GET /v1/events", s.requireAuth(s.handleEvents))

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: message sends block on the agent runner and
		// the event stream is long-lived.
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// requireAuth verifies the device token when a token store is
// configured. The token arrives as a Bearer header, or as a ?token=
// query parameter for WebSocket clients that cannot set headers.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.tokens == nil {
			next(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}

		if _, err := s.tokens.Verify(token); err != nil {
			if !errors.Is(err, auth.ErrInvalidToken) {
				s.logger.Error("token verification failed", "error", err)
			}
			s.errorResponse(w, http.StatusUnauthorized, "invalid or missing device token")
			return
		}
		next(w, r)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Solenne",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.runner != nil {
		resp["runner"] = s.runner.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// --- Conversation handlers ---

type conversationCreateRequest struct {
	Name string `json:"name,omitempty"`
}

func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	var req conversationCreateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	conv, err := s.bridge.CreateConversation(req.Name)
	if err != nil {
		s.logger.Error("conversation create failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	convs, err := s.bridge.ListConversations()
	if err != nil {
		s.logger.Error("conversation list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conv, err := s.bridge.GetConversation(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("conversation get failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conv, s.logger)
}

type conversationRenameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleConversationRename(w http.ResponseWriter, r *http.Request) {
	var req conversationRenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}

	err := s.bridge.RenameConversation(r.PathValue("id"), req.Name)
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("conversation rename failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to rename conversation")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	err := s.bridge.DeleteConversation(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("conversation delete failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Message handlers ---

// renderedMessage is a Message with an optional HTML rendering of its
// content, used when the client asks for format=html.
type renderedMessage struct {
	store.Message
	HTML string `json:"html,omitempty"`
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		t, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid since time (want RFC3339)")
			return
		}
		since = t
	}

	msgs, err := s.bridge.Messages(r.PathValue("id"), since)
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("message list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if r.URL.Query().Get("format") != "html" {
		writeJSON(w, map[string]any{
			"messages": msgs,
			"count":    len(msgs),
		}, s.logger)
		return
	}

	rendered := make([]renderedMessage, len(msgs))
	for i, m := range msgs {
		rendered[i] = renderedMessage{Message: m}
		if m.Sender == store.SenderAssistant {
			html, err := markdown.Render(m.Content)
			if err != nil {
				s.logger.Warn("markdown render failed", "message", m.ID, "error", err)
				continue
			}
			rendered[i].HTML = html
		}
	}
	writeJSON(w, map[string]any{
		"messages": rendered,
		"count":    len(rendered),
	}, s.logger)
}

type messageSendRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	var req messageSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	reply, err := s.bridge.HandleUserMessage(r.Context(), r.PathValue("id"), req.Text, nil)
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if errors.Is(err, bridge.ErrInvocation) {
		// The user message is stored; the client may retry the send.
		s.errorResponse(w, http.StatusBadGateway, "agent unavailable, try again")
		return
	}
	if err != nil {
		s.logger.Error("message send failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to process message")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, reply, s.logger)
}
