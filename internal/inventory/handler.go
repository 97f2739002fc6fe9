package inventory

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

const maxBatchIDs = 100

type stockReader interface {
	GetStock(ctx context.Context, id string) (*domain.Variation, error)
	ListByIDs(ctx context.Context, ids []string) ([]domain.Variation, error)
}

type Handler struct {
	repo   stockReader
	logger *slog.Logger
}

func NewHandler(repo stockReader, logger *slog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		logger: logger,
	}
}

func (h *Handler) HandleGetStock(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid variation id")
		return
	}

	variation, err := h.repo.GetStock(r.Context(), id.String())
	if err != nil {
		h.logger.Error("failed to get stock", "error", err, "variation_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if variation == nil {
		h.writeError(w, http.StatusNotFound, "variation not found")
		return
	}

	h.writeJSON(w, http.StatusOK, variation)
}

// HandleListStock returns the variations named in the comma separated ids
// query parameter. Unknown ids are omitted from the result.
func (h *Handler) HandleListStock(w http.ResponseWriter, r *http.Request) {
	var ids []string
	seen := make(map[string]bool)
	for _, raw := range strings.Split(r.URL.Query().Get("ids"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid variation id: "+raw)
			return
		}
		if !seen[id.String()] {
			seen[id.String()] = true
			ids = append(ids, id.String())
		}
	}

	if len(ids) == 0 {
		h.writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	if len(ids) > maxBatchIDs {
		h.writeError(w, http.StatusBadRequest, "too many ids")
		return
	}

	variations, err := h.repo.ListByIDs(r.Context(), ids)
	if err != nil {
		h.logger.Error("failed to list stock", "error", err, "count", len(ids))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if variations == nil {
		variations = []domain.Variation{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"variations": variations})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{"success": false, "message": message})
}
