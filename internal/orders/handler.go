package orders

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/joao-fontenele/storefront-checkout/internal/auth"
	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

type orderService interface {
	CreateOrder(ctx context.Context, userID string, items []LineItem) (*domain.Order, error)
	CreateOrderFromCart(ctx context.Context, userID string, cartItemIDs []string) (*domain.Order, error)
	ListOrders(ctx context.Context, userID string, page, limit int) (*OrderPage, error)
}

type Handler struct {
	svc    orderService
	logger *slog.Logger
}

func NewHandler(svc orderService, logger *slog.Logger) *Handler {
	return &Handler{
		svc:    svc,
		logger: logger,
	}
}

type createOrderRequest struct {
	Products []LineItem `json:"products"`
}

type createFromCartRequest struct {
	CartItemIDs []string `json:"cartItemIds"`
}

type createOrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	OrderID string `json:"orderId"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.svc.CreateOrder(r.Context(), principal.UserID, req.Products)
	if err != nil {
		h.writeServiceError(w, err, "failed to create order", "user_id", principal.UserID)
		return
	}

	h.writeJSON(w, http.StatusCreated, createOrderResponse{
		Success: true,
		Message: "Order created successfully",
		OrderID: order.ID,
	})
}

func (h *Handler) HandleCreateFromCart(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createFromCartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.svc.CreateOrderFromCart(r.Context(), principal.UserID, req.CartItemIDs)
	if err != nil {
		h.writeServiceError(w, err, "failed to create order from cart", "user_id", principal.UserID)
		return
	}

	h.writeJSON(w, http.StatusCreated, createOrderResponse{
		Success: true,
		Message: "Order created and cart items removed",
		OrderID: order.ID,
	})
}

type listOrdersResponse struct {
	Success bool `json:"success"`
	*OrderPage
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	page := queryInt(r, "page")
	limit := queryInt(r, "limit")

	result, err := h.svc.ListOrders(r.Context(), principal.UserID, page, limit)
	if err != nil {
		h.writeServiceError(w, err, "failed to list orders", "user_id", principal.UserID)
		return
	}

	h.writeJSON(w, http.StatusOK, listOrdersResponse{Success: true, OrderPage: result})
}

// queryInt returns the named query parameter as an int, or 0 when it is
// absent or malformed.
func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg string, args ...any) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, append(args, "error", err)...)
		h.writeError(w, status, "internal server error")
		return
	}

	h.logger.Warn(msg, append(args, "error", err)...)
	h.writeError(w, status, err.Error())
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
