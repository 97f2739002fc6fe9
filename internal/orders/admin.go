package orders

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

const dateLayout = "2006-01-02"

type adminStore interface {
	ListAdmin(ctx context.Context, f AdminFilter) ([]AdminOrder, int, error)
	Statistics(ctx context.Context) (*Statistics, error)
	UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// AdminHandler serves the order console. Routes are expected behind
// auth.RequireAdmin.
type AdminHandler struct {
	store  adminStore
	logger *slog.Logger
}

func NewAdminHandler(store adminStore, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		store:  store,
		logger: logger,
	}
}

type adminListResponse struct {
	Success    bool         `json:"success"`
	Orders     []AdminOrder `json:"orders"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	Limit      int          `json:"limit"`
	TotalPages int          `json:"totalPages"`
}

func (h *AdminHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, limit := normalizePage(queryInt(r, "page"), queryInt(r, "limit"))

	f := AdminFilter{
		Search: q.Get("search"),
		Page:   page,
		Limit:  limit,
	}

	if status := q.Get("status"); status != "" && status != "all" {
		f.Status = status
	}

	if v := q.Get("startDate"); v != "" {
		from, err := time.Parse(dateLayout, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "startDate must be YYYY-MM-DD")
			return
		}
		f.From = from
	}

	if v := q.Get("endDate"); v != "" {
		end, err := time.Parse(dateLayout, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "endDate must be YYYY-MM-DD")
			return
		}
		f.Until = end.AddDate(0, 0, 1)
	}

	orders, total, err := h.store.ListAdmin(r.Context(), f)
	if err != nil {
		h.logger.Error("failed to list orders", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, adminListResponse{
		Success:    true,
		Orders:     orders,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	})
}

func (h *AdminHandler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Statistics(r.Context())
	if err != nil {
		h.logger.Error("failed to compute order statistics", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "statistics": stats})
}

type updateStatusRequest struct {
	Status domain.OrderStatus `json:"status"`
}

func (h *AdminHandler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("orderId")
	if uuid.Validate(id) != nil {
		h.writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !req.Status.Valid() {
		h.writeError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	order, err := h.store.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		h.logger.Error("failed to update order status", "error", err, "order_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if order == nil {
		h.writeError(w, http.StatusNotFound, "Order not found")
		return
	}

	h.logger.Info("order status updated", "order_id", order.ID, "status", order.Status)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Order status updated successfully",
		"order":   order,
	})
}

func (h *AdminHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("orderId")
	if uuid.Validate(id) != nil {
		h.writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	deleted, err := h.store.Delete(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to delete order", "error", err, "order_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if !deleted {
		h.writeError(w, http.StatusNotFound, "Order not found")
		return
	}

	h.logger.Info("order deleted", "order_id", id)
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Order deleted successfully"})
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *AdminHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{"success": false, "message": message})
}
