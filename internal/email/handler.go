// Package email is a notification sink: it validates and logs outgoing
// messages instead of delivering them.
package email

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	logger *slog.Logger
}

func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{
		logger: logger,
	}
}

type sendRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	addr, err := mail.ParseAddress(req.To)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid recipient")
		return
	}

	if strings.TrimSpace(req.Subject) == "" {
		h.writeError(w, http.StatusBadRequest, "subject is required")
		return
	}

	id := uuid.NewString()
	h.logger.Info("email sent", "message_id", id, "to", addr.Address, "subject", req.Subject, "body_bytes", len(req.Body))

	h.writeJSON(w, http.StatusOK, sendResponse{Status: "sent", MessageID: id})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
