// Package api implements the HTTP surface: the chat endpoint that
// drives turns and the WebSocket stream that fans out turn progress.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stride-ai/stride/internal/agent"
	"github.com/stride-ai/stride/internal/session"
	"github.com/stride-ai/stride/internal/stream"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg}, logger)
}

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	controller *agent.Controller
	bus        *stream.Bus
	logger     *slog.Logger
	server     *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates the API server.
func NewServer(address string, port int, controller *agent.Controller, bus *stream.Bus, logger *slog.Logger) *Server {
	return &Server{
		address:    address,
		port:       port,
		controller: controller,
		bus:        bus,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Clients are local dashboards and apps; origin policy is
			// the reverse proxy's concern.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
}

// handleChat runs one turn synchronously and returns its result.
// Progress arrives on the WebSocket stream while the request is in
// flight.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", s.logger)
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required", s.logger)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", s.logger)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	result, err := s.controller.RunTurn(r.Context(), req.SessionID, req.UserID, req.Message)
	if errors.Is(err, session.ErrSessionBusy) {
		writeError(w, http.StatusConflict, "a turn is already in progress for this session", s.logger)
		return
	}
	if err != nil {
		s.logger.Error("turn failed", "session", req.SessionID, "error", err)
		// The result still describes the failed turn; return it with the
		// error status so clients can show partial progress.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, result, s.logger)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}

// handleStream upgrades to WebSocket and relays bus messages,
// optionally filtered to one session via ?session_id=.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionFilter := r.URL.Query().Get("session_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	// Reader goroutine: drain client frames so pings are answered and
	// closure is detected.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if sessionFilter != "" && msg.SessionID != sessionFilter {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":      "ok",
		"subscribers": s.bus.SubscriberCount(),
	}, s.logger)
}
