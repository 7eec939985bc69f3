// Package api is the local web entry point: a small JSON/SSE surface the UI
// talks to. It exposes a read-only view of the coordination core plus intent
// endpoints (select conversation, send message, call lifecycle); all state
// lives in the chat manager and call controller behind it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/duochat/duochat/internal/call"
	"github.com/duochat/duochat/internal/channel"
	"github.com/duochat/duochat/internal/chat"
	"github.com/duochat/duochat/internal/identity"
	"github.com/duochat/duochat/internal/rest"
)

// ChatService is the surface the API needs from chat.Manager.
type ChatService interface {
	SelectConversation(ctx context.Context, peerID string) error
	Send(ctx context.Context, kind chat.Kind, content string) error
	RefreshDirectory(ctx context.Context) error
	SelectedPeer() string
	Room() string
	Timeline() *chat.Timeline
	Directory() *chat.Directory
	Subscribe() <-chan chat.Event
	Unsubscribe(ch <-chan chat.Event)
}

// CallService is the surface the API needs from call.Controller.
type CallService interface {
	StartPreview(ctx context.Context, peerID string) error
	CancelPreview() error
	Join(ctx context.Context) error
	Hangup() error
	Dismiss() error
	ToggleMic() (bool, error)
	ToggleCamera() (bool, error)
	Status() call.Status
	Subscribe() (<-chan call.Status, func())
}

// Server serves the UI-facing HTTP surface.
type Server struct {
	user  identity.User
	chats ChatService
	calls CallService
}

func NewServer(user identity.User, chats ChatService, calls CallService) *Server {
	return &Server{user: user, chats: chats, calls: calls}
}

// Router builds the chi route tree with CORS for the given origins.
func (s *Server) Router(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/me", s.handleMe)

		r.Get("/conversations", s.handleConversations)
		r.Post("/conversations/refresh", s.handleRefresh)
		r.Post("/conversations/{peerID}/select", s.handleSelect)

		r.Get("/timeline", s.handleTimeline)
		r.Post("/messages", s.handleSendMessage)

		r.Route("/call", func(r chi.Router) {
			r.Get("/status", s.handleCallStatus)
			r.Post("/preview", s.handleCallPreview)
			r.Post("/cancel", s.handleCallCancel)
			r.Post("/join", s.handleCallJoin)
			r.Post("/hangup", s.handleCallHangup)
			r.Post("/dismiss", s.handleCallDismiss)
			r.Post("/toggle-mic", s.handleToggleMic)
			r.Post("/toggle-camera", s.handleToggleCamera)
		})

		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.user)
}

func (s *Server) handleConversations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.chats.Directory().List())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.chats.RefreshDirectory(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.chats.Directory().List())
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peerID")
	if err := s.chats.SelectConversation(r.Context(), peerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"peerId": s.chats.SelectedPeer(),
		"room":   s.chats.Room(),
	})
}

// timelineView is the open conversation plus its messages.
type timelineView struct {
	PeerID   string         `json:"peerId"`
	Room     string         `json:"room"`
	Messages []chat.Message `json:"messages"`
}

func (s *Server) handleTimeline(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, timelineView{
		PeerID:   s.chats.SelectedPeer(),
		Room:     s.chats.Room(),
		Messages: s.chats.Timeline().Snapshot(),
	})
}

type sendRequest struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = string(chat.KindText)
	}
	kind := chat.Kind(req.Kind)
	switch kind {
	case chat.KindText, chat.KindImage, chat.KindFile:
	default:
		http.Error(w, "unsupported message kind", http.StatusBadRequest)
		return
	}
	if err := s.chats.Send(r.Context(), kind, req.Content); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ── call intents ──────────────────────────────────────────────────────────────

type previewRequest struct {
	PeerID string `json:"peerId"`
}

func (s *Server) handleCallStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.Status())
}

func (s *Server) handleCallPreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if req.PeerID == "" {
		// Default to the open conversation's peer.
		req.PeerID = s.chats.SelectedPeer()
	}
	if err := s.calls.StartPreview(r.Context(), req.PeerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.calls.Status())
}

func (s *Server) handleCallCancel(w http.ResponseWriter, _ *http.Request) {
	s.callIntent(w, s.calls.CancelPreview)
}

func (s *Server) handleCallJoin(w http.ResponseWriter, r *http.Request) {
	if err := s.calls.Join(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.calls.Status())
}

func (s *Server) handleCallHangup(w http.ResponseWriter, _ *http.Request) {
	s.callIntent(w, s.calls.Hangup)
}

func (s *Server) handleCallDismiss(w http.ResponseWriter, _ *http.Request) {
	s.callIntent(w, s.calls.Dismiss)
}

func (s *Server) callIntent(w http.ResponseWriter, fn func() error) {
	if err := fn(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.calls.Status())
}

func (s *Server) handleToggleMic(w http.ResponseWriter, _ *http.Request) {
	s.toggleIntent(w, s.calls.ToggleMic)
}

func (s *Server) handleToggleCamera(w http.ResponseWriter, _ *http.Request) {
	s.toggleIntent(w, s.calls.ToggleCamera)
}

func (s *Server) toggleIntent(w http.ResponseWriter, fn func() (bool, error)) {
	on, err := fn()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": on})
}

// ── events (SSE) ──────────────────────────────────────────────────────────────

// sseEvent is the wire shape on /api/events: exactly one of Chat/Call is set.
type sseEvent struct {
	Kind string       `json:"kind"` // "chat" | "call"
	Chat *chat.Event  `json:"chat,omitempty"`
	Call *call.Status `json:"call,omitempty"`
}

// handleEvents streams timeline/directory events and call-state transitions
// as Server-Sent Events. Tail only — clients fetch /api/timeline and
// /api/call/status for the initial snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	chatCh := s.chats.Subscribe()
	defer s.chats.Unsubscribe(chatCh)
	callCh, cancel := s.calls.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-chatCh:
			if !ok {
				return
			}
			writeSSE(w, sseEvent{Kind: "chat", Chat: &e})
			flusher.Flush()
		case st, ok := <-callCh:
			if !ok {
				return
			}
			writeSSE(w, sseEvent{Kind: "call", Call: &st})
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e sseEvent) {
	b, _ := json.Marshal(e)
	_, _ = w.Write([]byte("event: message\n"))
	_, _ = w.Write([]byte("data: " + string(b) + "\n\n"))
}

// ── helpers ───────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: encode response: %v", err)
	}
}

// writeError maps core errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, channel.ErrInvalidIdentity):
		status = http.StatusBadRequest
	case errors.Is(err, call.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, call.ErrPermissionDenied):
		status = http.StatusConflict
	case errors.Is(err, call.ErrCredentialFetch), errors.Is(err, rest.ErrUnavailable):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
