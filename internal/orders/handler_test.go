package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/storefront-checkout/internal/auth"
	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

type fakeOrderService struct {
	order *domain.Order
	page  *OrderPage
	err   error

	gotUserID string
	gotItems  []LineItem
	gotCart   []string
	gotPage   int
	gotLimit  int
}

func (f *fakeOrderService) CreateOrder(_ context.Context, userID string, items []LineItem) (*domain.Order, error) {
	f.gotUserID = userID
	f.gotItems = items
	return f.order, f.err
}

func (f *fakeOrderService) CreateOrderFromCart(_ context.Context, userID string, ids []string) (*domain.Order, error) {
	f.gotUserID = userID
	f.gotCart = ids
	return f.order, f.err
}

func (f *fakeOrderService) ListOrders(_ context.Context, userID string, page, limit int) (*OrderPage, error) {
	f.gotUserID = userID
	f.gotPage = page
	f.gotLimit = limit
	return f.page, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func withUser(req *http.Request, userID string) *http.Request {
	return req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{UserID: userID}))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHandler_HandleCreate(t *testing.T) {
	userID := uuid.NewString()
	variationID := uuid.NewString()

	t.Run("returns the new order id", func(t *testing.T) {
		svc := &fakeOrderService{order: &domain.Order{ID: "order-1"}}
		h := NewHandler(svc, testLogger())

		body := fmt.Sprintf(`{"products":[{"_id":%q,"quantity":2,"price":10}]}`, variationID)
		req := withUser(httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body)), userID)
		rec := httptest.NewRecorder()
		h.HandleCreate(rec, req)

		assert.Equal(t, http.StatusCreated, rec.Code)
		resp := decodeBody(t, rec)
		assert.Equal(t, true, resp["success"])
		assert.Equal(t, "order-1", resp["orderId"])

		assert.Equal(t, userID, svc.gotUserID)
		require.Len(t, svc.gotItems, 1)
		assert.Equal(t, variationID, svc.gotItems[0].VariationID)
		assert.Equal(t, 2, svc.gotItems[0].Quantity)
		require.NotNil(t, svc.gotItems[0].Price)
		assert.Equal(t, "10", svc.gotItems[0].Price.String())
	})

	t.Run("rejects unauthenticated requests", func(t *testing.T) {
		h := NewHandler(&fakeOrderService{}, testLogger())

		req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		h.HandleCreate(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		h := NewHandler(&fakeOrderService{}, testLogger())

		req := withUser(httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{`)), userID)
		rec := httptest.NewRecorder()
		h.HandleCreate(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"validation", fmt.Errorf("%w: at least one product is required", domain.ErrValidation), http.StatusBadRequest, "at least one product"},
		{"not found", fmt.Errorf("%w: variation x not found", domain.ErrNotFound), http.StatusNotFound, "variation x not found"},
		{"insufficient stock", fmt.Errorf("%w for variation x", domain.ErrInsufficientStock), http.StatusConflict, "insufficient stock for variation x"},
		{"internal", fmt.Errorf("insert order: connection reset"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run("maps "+tt.name+" errors", func(t *testing.T) {
			h := NewHandler(&fakeOrderService{err: tt.err}, testLogger())

			req := withUser(httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"products":[]}`)), userID)
			rec := httptest.NewRecorder()
			h.HandleCreate(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decodeBody(t, rec)
			assert.Equal(t, false, resp["success"])
			assert.Contains(t, resp["message"], tt.wantMsg)
		})
	}
}

func TestHandler_HandleCreateFromCart(t *testing.T) {
	userID := uuid.NewString()
	svc := &fakeOrderService{order: &domain.Order{ID: "order-2"}}
	h := NewHandler(svc, testLogger())

	req := withUser(httptest.NewRequest(http.MethodPost, "/orders/from-cart", strings.NewReader(`{"cartItemIds":["a","b"]}`)), userID)
	rec := httptest.NewRecorder()
	h.HandleCreateFromCart(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "order-2", decodeBody(t, rec)["orderId"])
	assert.Equal(t, []string{"a", "b"}, svc.gotCart)
	assert.Equal(t, userID, svc.gotUserID)
}

func TestHandler_HandleList(t *testing.T) {
	userID := uuid.NewString()
	svc := &fakeOrderService{page: &OrderPage{Page: 2, Limit: 5, TotalOrders: 7, TotalPages: 2, Orders: []domain.Order{}}}
	h := NewHandler(svc, testLogger())

	req := withUser(httptest.NewRequest(http.MethodGet, "/orders?page=2&limit=5", nil), userID)
	rec := httptest.NewRecorder()
	h.HandleList(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, svc.gotPage)
	assert.Equal(t, 5, svc.gotLimit)

	resp := decodeBody(t, rec)
	assert.Equal(t, true, resp["success"])
	assert.EqualValues(t, 7, resp["totalOrders"])
	assert.EqualValues(t, 2, resp["totalPages"])
	assert.Equal(t, []any{}, resp["orders"])
}

func TestHandler_HandleList_BadQueryFallsBackToDefaults(t *testing.T) {
	svc := &fakeOrderService{page: &OrderPage{Orders: []domain.Order{}}}
	h := NewHandler(svc, testLogger())

	req := withUser(httptest.NewRequest(http.MethodGet, "/orders?page=abc&limit=-3", nil), uuid.NewString())
	rec := httptest.NewRecorder()
	h.HandleList(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, svc.gotPage)
	assert.Equal(t, -3, svc.gotLimit)
}
