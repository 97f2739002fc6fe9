package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"

	"github.com/joao-fontenele/storefront-checkout/internal/auth"
	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

const maxCallbackBody = 64 << 10

type paymentService interface {
	Settle(ctx context.Context, n Notification) (*Result, error)
	PaymentURL(ctx context.Context, principal auth.Principal, orderID string) (string, error)
	Transactions(ctx context.Context, principal auth.Principal, orderID string) ([]domain.Transaction, error)
}

type Handler struct {
	svc         paymentService
	frontendURL string
	development bool
	logger      *slog.Logger
}

type HandlerOption func(*Handler)

// WithErrorDetail includes internal error text in callback responses.
func WithErrorDetail(enabled bool) HandlerOption {
	return func(h *Handler) {
		h.development = enabled
	}
}

func NewHandler(svc paymentService, frontendURL string, logger *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		svc:         svc,
		frontendURL: frontendURL,
		logger:      logger,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// HandleRedirect settles a notification delivered by redirecting the
// customer's browser, then sends the browser to the storefront result page.
func (h *Handler) HandleRedirect(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Settle(r.Context(), NotificationFromValues(r.URL.Query()))
	if err != nil {
		h.logSettleError(err, r.URL.Query().Get("vnp_TxnRef"))
		http.Redirect(w, r, h.frontendURL+"/failed", http.StatusFound)
		return
	}

	if res.Status == domain.TransactionCompleted {
		http.Redirect(w, r, h.frontendURL+"/success", http.StatusFound)
		return
	}
	http.Redirect(w, r, h.frontendURL+"/failed", http.StatusFound)
}

type callbackResponse struct {
	Success       bool                     `json:"success"`
	Message       string                   `json:"message"`
	PaymentStatus domain.TransactionStatus `json:"paymentStatus,omitempty"`
	Error         string                   `json:"error,omitempty"`
}

// HandleCallback settles a notification posted as JSON or form data and
// answers with the payment status.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	values, err := readNotification(w, r)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, callbackResponse{Message: "invalid request body"})
		return
	}

	res, err := h.svc.Settle(r.Context(), NotificationFromValues(values))
	if err != nil {
		h.logSettleError(err, values.Get("vnp_TxnRef"))

		switch {
		case errors.Is(err, domain.ErrValidation):
			h.writeJSON(w, http.StatusBadRequest, callbackResponse{Message: err.Error()})
		case errors.Is(err, domain.ErrNotFound):
			h.writeJSON(w, http.StatusNotFound, callbackResponse{Message: "OrderId not found"})
		case errors.Is(err, domain.ErrInsufficientStock):
			h.writeJSON(w, http.StatusConflict, callbackResponse{Message: "insufficient stock to fulfil the order"})
		default:
			resp := callbackResponse{Message: "Internal server error"}
			if h.development {
				resp.Error = err.Error()
			}
			h.writeJSON(w, http.StatusInternalServerError, resp)
		}
		return
	}

	msg := "Payment processed successfully"
	if res.AlreadySettled {
		msg = "Payment already processed"
	}
	h.writeJSON(w, http.StatusOK, callbackResponse{Success: true, Message: msg, PaymentStatus: res.Status})
}

type paymentURLRequest struct {
	OrderID string `json:"orderId"`
}

func (h *Handler) HandleGenerateURL(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req paymentURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	paymentURL, err := h.svc.PaymentURL(r.Context(), principal, req.OrderID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "OrderId not found")
		case errors.Is(err, domain.ErrForbidden):
			h.writeError(w, http.StatusForbidden, "order belongs to another user")
		default:
			h.logger.Error("failed to generate payment url", "error", err, "order_id", req.OrderID)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.logger.Info("payment url generated", "order_id", req.OrderID, "user_id", principal.UserID)
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "paymentUrl": paymentURL})
}

func (h *Handler) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	orderID := r.PathValue("orderId")
	txns, err := h.svc.Transactions(r.Context(), principal, orderID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "OrderId not found")
		case errors.Is(err, domain.ErrForbidden):
			h.writeError(w, http.StatusForbidden, "order belongs to another user")
		default:
			h.logger.Error("failed to list transactions", "error", err, "order_id", orderID)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "transactions": txns})
}

// readNotification accepts a JSON object or a form-encoded body. JSON values
// of any scalar type are kept in their textual form.
func readNotification(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		return r.PostForm, nil
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}

	values := url.Values{}
	for key, v := range body {
		switch v := v.(type) {
		case nil:
		case string:
			values.Set(key, v)
		case json.Number, bool:
			values.Set(key, fmt.Sprint(v))
		default:
			return nil, fmt.Errorf("field %s must be a scalar", key)
		}
	}
	return values, nil
}

func (h *Handler) logSettleError(err error, orderRef string) {
	if IsClientError(err) {
		h.logger.Warn("payment notification rejected", "error", err, "order_id", orderRef)
		return
	}
	h.logger.Error("failed to settle payment", "error", err, "order_id", orderRef)
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
