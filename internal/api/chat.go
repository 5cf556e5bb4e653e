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

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/truaxki/astra-chat/internal/config"
	"github.com/truaxki/astra-chat/internal/domain"
	"github.com/truaxki/astra-chat/internal/identity"
	"github.com/truaxki/astra-chat/internal/push"
	"github.com/truaxki/astra-chat/internal/stream"
)

// persistTimeout bounds each storage write made while relaying a stream.
const persistTimeout = 5 * time.Second

// Streamer is the slice of the ingestion engine the chat handler drives.
type Streamer interface {
	Submit(ctx context.Context, sub stream.Submission, cb stream.Callbacks) error
	Cancel()
	State() stream.State
}

var _ Streamer = (*stream.Client)(nil)

// ChatHandler handles chat submission, cancellation and history endpoints.
type ChatHandler struct {
	*Handler
	streamer   Streamer
	transcript *Transcript
	cfg        *config.Config
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(base *Handler, streamer Streamer, transcript *Transcript, cfg *config.Config) *ChatHandler {
	return &ChatHandler{Handler: base, streamer: streamer, transcript: transcript, cfg: cfg}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Post("/chat", h.Chat)
		r.Post("/chat/cancel", h.CancelChat)
		r.Get("/history", h.History)
		r.Get("/history/{messageID}/events", h.MessageEvents)
	})
}

// chatRequest is the inbound chat submission body.
type chatRequest struct {
	Message string `json:"message"`
}

// Chat submits one user turn to the agent backend and relays the resulting
// stream to the caller as server-sent events, persisting along the way.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message cannot be empty")
		return
	}

	// One turn at a time. Submit re-checks under its own lock; this pre-check
	// just turns the common case into a clean 409 before headers go out.
	if h.streamer.State() != stream.StateIdle {
		Error(w, http.StatusConflict, "a chat turn is already streaming")
		return
	}

	now := time.Now()
	userMsg := &domain.Message{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		Role:      domain.RoleUser,
		Content:   req.Message,
		Final:     true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.saveMessage(userMsg); err != nil {
		slog.Error("Failed to persist user message", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to persist message")
		return
	}
	h.transcript.Log(TranscriptEvent{
		UserID:    userID,
		SessionID: sessionID,
		Role:      domain.RoleUser,
		Content:   req.Message,
	})

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	relay := &relayCallbacks{
		handler:   h,
		w:         w,
		flusher:   flusher,
		userID:    userID,
		sessionID: sessionID,
	}

	sub := stream.Submission{Message: req.Message, UserID: userID, SessionID: sessionID}
	err := h.streamer.Submit(r.Context(), sub, relay)

	switch {
	case err == nil:
		relay.finalizeReply()
		relay.frame("done", nil)
	case errors.Is(err, stream.ErrCancelled):
		relay.frame("cancelled", nil)
	case errors.Is(err, stream.ErrSessionActive):
		relay.frame("error", map[string]string{"error": "a chat turn is already streaming"})
	default:
		// The engine already delivered its synthetic error update through the
		// message callback; this frame just ends the event stream.
		slog.Error("Chat turn failed", "error", err, "user_id", userID, "session_id", sessionID)
		relay.frame("error", map[string]string{"error": "stream interrupted"})
	}
}

// CancelChat stops the active streaming turn, if any.
func (h *ChatHandler) CancelChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	slog.Info("Chat cancellation requested", "user_id", userID)
	h.streamer.Cancel()
	JSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// History returns the conversation's messages in creation order.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	msgs, err := h.repo.ListMessages(r.Context(), userID, sessionID)
	if err != nil {
		slog.Error("Failed to list messages", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// MessageEvents returns the timeline events attached to one of the user's
// messages.
func (h *ChatHandler) MessageEvents(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	messageID := chi.URLParam(r, "messageID")
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	events, err := h.repo.ListTimelineEvents(r.Context(), messageID)
	if err != nil {
		slog.Error("Failed to list timeline events", "error", err, "message_id", messageID)
		Error(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	owned := make([]*domain.TimelineEvent, 0, len(events))
	for _, ev := range events {
		if ev.UserID == userID {
			owned = append(owned, ev)
		}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"events": owned})
}

// GetMe returns the current user's information.
func (h *ChatHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user.UserID,
		"username":     user.Username,
		"idle_seconds": int64(user.IdleFor(time.Now()).Seconds()),
	})
}

// GetConfig returns the server configuration for the frontend.
func (h *ChatHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"primary_agents":     h.cfg.PrimaryAgents,
		"final_report_agent": h.cfg.FinalReportAgent,
		"forward_thoughts":   h.cfg.ForwardThoughts,
	})
}

func (h *ChatHandler) saveMessage(msg *domain.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return h.repo.SaveMessage(ctx, msg)
}

// relayCallbacks bridges engine callbacks to the three host surfaces: the
// caller's event stream, the store, and the push hub. The engine invokes
// callbacks synchronously from the submitting goroutine, so no locking.
type relayCallbacks struct {
	handler   *ChatHandler
	w         http.ResponseWriter
	flusher   http.Flusher
	userID    string
	sessionID string

	lastUpdate *stream.MessageUpdate
}

func (rc *relayCallbacks) OnMessageUpdate(update stream.MessageUpdate) {
	rc.lastUpdate = &update
	rc.frame("message", update)

	msg := &domain.Message{
		ID:        update.MessageID,
		UserID:    rc.userID,
		SessionID: rc.sessionID,
		Role:      domain.RoleAssistant,
		Content:   update.Content,
		Final:     update.Final,
		CreatedAt: time.Now(),
	}
	if err := rc.handler.saveMessage(msg); err != nil {
		slog.Error("Failed to persist reply update", "error", err, "message_id", update.MessageID)
	}

	if update.Final {
		rc.handler.transcript.Log(TranscriptEvent{
			UserID:    rc.userID,
			SessionID: rc.sessionID,
			Role:      domain.RoleAssistant,
			Content:   update.Content,
		})
	}

	rc.handler.hub.Broadcast(context.Background(), rc.userID, push.Frame{Type: "message", Data: update})
}

func (rc *relayCallbacks) OnEventUpdate(messageID string, event stream.TimelineEvent) {
	payload := map[string]interface{}{"message_id": messageID, "title": event.Title, "data": event.Data}
	rc.frame("event", payload)

	data, err := json.Marshal(event.Data)
	if err != nil {
		data = []byte("{}")
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	ev := &domain.TimelineEvent{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    rc.userID,
		SessionID: rc.sessionID,
		Title:     event.Title,
		Data:      string(data),
		CreatedAt: time.Now(),
	}
	if err := rc.handler.repo.SaveTimelineEvent(ctx, ev); err != nil {
		slog.Error("Failed to persist timeline event", "error", err, "message_id", messageID)
	}

	rc.handler.hub.Broadcast(context.Background(), rc.userID, push.Frame{Type: "event", Data: payload})
}

func (rc *relayCallbacks) OnSourceCountUpdate(count int) {
	payload := map[string]int{"count": count}
	rc.frame("sources", payload)
	rc.handler.hub.Broadcast(context.Background(), rc.userID, push.Frame{Type: "sources", Data: payload})
}

// finalizeReply marks the streamed reply final in the store when the turn
// ended naturally, without a termination signal or composed report.
func (rc *relayCallbacks) finalizeReply() {
	if rc.lastUpdate == nil || rc.lastUpdate.Final {
		return
	}
	msg := &domain.Message{
		ID:        rc.lastUpdate.MessageID,
		UserID:    rc.userID,
		SessionID: rc.sessionID,
		Role:      domain.RoleAssistant,
		Content:   rc.lastUpdate.Content,
		Final:     true,
		CreatedAt: time.Now(),
	}
	if err := rc.handler.saveMessage(msg); err != nil {
		slog.Error("Failed to finalize reply", "error", err, "message_id", msg.ID)
	}
	rc.handler.transcript.Log(TranscriptEvent{
		UserID:    rc.userID,
		SessionID: rc.sessionID,
		Role:      domain.RoleAssistant,
		Content:   rc.lastUpdate.Content,
	})
}

// frame writes one named server-sent event to the caller.
func (rc *relayCallbacks) frame(event string, data interface{}) {
	payload := []byte("{}")
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			slog.Error("Failed to encode stream frame", "error", err, "event", event)
			return
		}
		payload = encoded
	}
	fmt.Fprintf(rc.w, "event: %s\ndata: %s\n\n", event, payload)
	rc.flusher.Flush()
}
