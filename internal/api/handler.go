// Package api provides the HTTP handlers for the Astra chat API.
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/truaxki/astra-chat/internal/push"
	"github.com/truaxki/astra-chat/internal/store"
)

// Handler holds the dependencies shared by the API handlers.
type Handler struct {
	repo                store.Repository
	hub                 *push.Hub
	frontendRedirectURL string
}

// NewHandler creates a Handler with common dependencies.
func NewHandler(repo store.Repository, hub *push.Hub, frontendURL string) *Handler {
	return &Handler{
		repo:                repo,
		hub:                 hub,
		frontendRedirectURL: frontendURL,
	}
}

// JSON writes v as a JSON response with the given status code. The body is
// encoded first so an encoding failure never corrupts a partially written
// response.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// isDevelopment reports whether the server runs in development mode.
// APP_ENV wins; otherwise a local frontend URL implies development.
func (h *Handler) isDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	if h.frontendRedirectURL == "" {
		return true
	}
	return strings.Contains(h.frontendRedirectURL, "localhost") ||
		strings.Contains(h.frontendRedirectURL, "127.0.0.1")
}
