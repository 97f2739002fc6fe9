//go:build integration

package test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/joao-fontenele/storefront-checkout/internal/auth"
	"github.com/joao-fontenele/storefront-checkout/internal/config"
	"github.com/joao-fontenele/storefront-checkout/internal/domain"
	"github.com/joao-fontenele/storefront-checkout/internal/inventory"
	"github.com/joao-fontenele/storefront-checkout/internal/messaging"
	"github.com/joao-fontenele/storefront-checkout/internal/orders"
	"github.com/joao-fontenele/storefront-checkout/internal/payment"
	"github.com/joao-fontenele/storefront-checkout/internal/worker"
)

var exchangeRate = decimal.NewFromInt(26000)

type stack struct {
	orderRepo    *orders.OrderRepository
	orders       *orders.Service
	payments     *payment.Service
	transactions *payment.TransactionRepository
}

func newStack(t *testing.T, db *sql.DB, paymentOpts ...payment.ServiceOption) *stack {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	variations := inventory.NewVariationRepository(db)
	orderRepo := orders.NewOrderRepository(db)
	transactions := payment.NewTransactionRepository()
	urls := payment.NewURLBuilder(config.PaymentConfig{
		TMNCode:      "TESTCODE",
		HashSecret:   "secret",
		PayURL:       "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		FrontendURL:  "http://localhost:3000",
		ClientIP:     "127.0.0.1",
		ExchangeRate: exchangeRate,
	})

	return &stack{
		orderRepo:    orderRepo,
		orders:       orders.NewService(db, orderRepo, variations, logger),
		payments:     payment.NewService(db, orderRepo, variations, transactions, urls, exchangeRate, logger, paymentOpts...),
		transactions: transactions,
	}
}

func (s *stack) createOrder(ctx context.Context, t *testing.T, f Fixture, quantity int) *domain.Order {
	t.Helper()

	order, err := s.orders.CreateOrder(ctx, f.UserID, []orders.LineItem{
		{VariationID: f.VariationID, ProductID: f.ProductID, Quantity: quantity},
	})
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	return order
}

func notification(order *domain.Order, code, transactionNo string) payment.Notification {
	return payment.Notification{
		ResponseCode:  code,
		OrderRef:      order.ID,
		TransactionNo: transactionNo,
		Amount:        strconv.FormatInt(payment.ToMinorUnits(order.TotalAmount, exchangeRate), 10),
	}
}

var (
	meterOnce   sync.Once
	meterReader *sdkmetric.ManualReader
)

// decrementedUnits reads the cumulative inventory_decrements_total counter.
// The first call installs the reader, so call it before the code under test.
func decrementedUnits(ctx context.Context, t *testing.T) int64 {
	t.Helper()

	meterOnce.Do(func() {
		meterReader = sdkmetric.NewManualReader()
		otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(meterReader)))
	})

	var rm metricdata.ResourceMetrics
	if err := meterReader.Collect(ctx, &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "inventory_decrements_total" {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func setup(t *testing.T) (context.Context, *sql.DB) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	pg := SetupPostgres(ctx, t)
	t.Cleanup(pg.Cleanup)

	return ctx, OpenDB(t, pg.ConnStr)
}

func TestCreateOrderFromItems(t *testing.T) {
	ctx, db := setup(t)
	s := newStack(t, db)
	f := SeedFixture(ctx, t, db, "10.00", 5)

	order := s.createOrder(ctx, t, f, 2)

	if !order.TotalAmount.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("expected total 20.00, got %s", order.TotalAmount)
	}
	if order.OrderStatus != domain.SettlementPending {
		t.Fatalf("expected pending settlement, got %s", order.OrderStatus)
	}
	if order.AddressID != f.AddressID {
		t.Fatalf("expected default address %s, got %s", f.AddressID, order.AddressID)
	}
	if order.UserEmail != f.Email {
		t.Fatalf("expected owner email %s, got %q", f.Email, order.UserEmail)
	}
	if got := StockOf(ctx, t, db, f.VariationID); got != 5 {
		t.Fatalf("order creation must not touch stock, got %d", got)
	}
	if got := Count(ctx, t, db, `SELECT COUNT(*) FROM order_details WHERE order_id = $1`, order.ID); got != 1 {
		t.Fatalf("expected 1 order detail, got %d", got)
	}

	t.Run("quantity summed across lines exceeds stock", func(t *testing.T) {
		before := Count(ctx, t, db, `SELECT COUNT(*) FROM orders`)

		_, err := s.orders.CreateOrder(ctx, f.UserID, []orders.LineItem{
			{VariationID: f.VariationID, Quantity: 3},
			{VariationID: f.VariationID, Quantity: 3},
		})
		if !errors.Is(err, domain.ErrInsufficientStock) {
			t.Fatalf("expected insufficient stock, got %v", err)
		}
		if got := Count(ctx, t, db, `SELECT COUNT(*) FROM orders`); got != before {
			t.Fatalf("expected no new orders, got %d (was %d)", got, before)
		}
	})

	t.Run("variation from another product", func(t *testing.T) {
		_, err := s.orders.CreateOrder(ctx, f.UserID, []orders.LineItem{
			{VariationID: f.VariationID, ProductID: uuid.NewString(), Quantity: 1},
		})
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("unknown variation", func(t *testing.T) {
		_, err := s.orders.CreateOrder(ctx, f.UserID, []orders.LineItem{
			{VariationID: uuid.NewString(), Quantity: 1},
		})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("user without default address", func(t *testing.T) {
		_, err := s.orders.CreateOrder(ctx, SeedUser(ctx, t, db), []orders.LineItem{
			{VariationID: f.VariationID, Quantity: 1},
		})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("history lists the order", func(t *testing.T) {
		page, err := s.orders.ListOrders(ctx, f.UserID, 1, 10)
		if err != nil {
			t.Fatalf("failed to list orders: %v", err)
		}
		if page.TotalOrders != 1 || len(page.Orders) != 1 {
			t.Fatalf("expected 1 order, got %d (%d on page)", page.TotalOrders, len(page.Orders))
		}
		got := page.Orders[0].Details
		if len(got) != 1 || got[0].ProductName != "Linen shirt" {
			t.Fatalf("expected details joined with product name, got %+v", got)
		}
		if got[0].VariationPrice == nil || !got[0].VariationPrice.Equal(decimal.RequireFromString("10.00")) {
			t.Fatalf("expected current variation price 10.00, got %v", got[0].VariationPrice)
		}
	})
}

func TestCreateOrderFromCart(t *testing.T) {
	ctx, db := setup(t)
	s := newStack(t, db)
	f := SeedFixture(ctx, t, db, "7.50", 10)

	first := SeedCartItem(ctx, t, db, f.UserID, f.ProductID, f.VariationID, 2)
	second := SeedCartItem(ctx, t, db, f.UserID, f.ProductID, f.VariationID, 1)
	kept := SeedCartItem(ctx, t, db, f.UserID, f.ProductID, f.VariationID, 4)

	order, err := s.orders.CreateOrderFromCart(ctx, f.UserID, []string{first, strings.ToUpper(second)})
	if err != nil {
		t.Fatalf("failed to create order from cart: %v", err)
	}

	if !order.TotalAmount.Equal(decimal.RequireFromString("22.50")) {
		t.Fatalf("expected total 22.50, got %s", order.TotalAmount)
	}
	if got := Count(ctx, t, db, `SELECT COUNT(*) FROM cart_items WHERE user_id = $1`, f.UserID); got != 1 {
		t.Fatalf("expected only the unselected cart item to remain, got %d", got)
	}

	t.Run("duplicate cart item ids", func(t *testing.T) {
		_, err := s.orders.CreateOrderFromCart(ctx, f.UserID, []string{kept, strings.ToUpper(kept)})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if got := Count(ctx, t, db, `SELECT COUNT(*) FROM cart_items WHERE id = $1`, kept); got != 1 {
			t.Fatal("cart item must survive a rejected order")
		}
	})

	t.Run("cart items of another user", func(t *testing.T) {
		other := SeedFixture(ctx, t, db, "1.00", 1)

		_, err := s.orders.CreateOrderFromCart(ctx, other.UserID, []string{kept})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if got := Count(ctx, t, db, `SELECT COUNT(*) FROM cart_items WHERE id = $1`, kept); got != 1 {
			t.Fatal("cart item must survive a rejected order")
		}
	})
}

func TestSettlementSuccess(t *testing.T) {
	ctx, db := setup(t)
	s := newStack(t, db)
	f := SeedFixture(ctx, t, db, "10.00", 5)
	order := s.createOrder(ctx, t, f, 2)
	units := decrementedUnits(ctx, t)

	res, err := s.payments.Settle(ctx, notification(order, payment.SuccessCode, "VNP-1001"))
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if res.Status != domain.TransactionCompleted || res.AlreadySettled {
		t.Fatalf("expected fresh completion, got %+v", res)
	}
	if got := decrementedUnits(ctx, t) - units; got != 2 {
		t.Fatalf("expected 2 decremented units counted, got %d", got)
	}

	if got := StockOf(ctx, t, db, f.VariationID); got != 3 {
		t.Fatalf("expected stock 3, got %d", got)
	}

	settled, err := s.orderRepo.GetByID(ctx, db, order.ID)
	if err != nil || settled == nil {
		t.Fatalf("failed to reload order: %v", err)
	}
	if !settled.Completed() {
		t.Fatalf("expected completed order, got %s", settled.OrderStatus)
	}

	txns, err := s.transactions.ListByOrder(ctx, db, order.ID)
	if err != nil {
		t.Fatalf("failed to list transactions: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txns))
	}
	if txns[0].Status != domain.TransactionCompleted || !txns[0].Amount.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("unexpected transaction %+v", txns[0])
	}

	t.Run("replay is a no-op", func(t *testing.T) {
		res, err := s.payments.Settle(ctx, notification(order, payment.SuccessCode, "VNP-1001"))
		if err != nil {
			t.Fatalf("replay failed: %v", err)
		}
		if !res.AlreadySettled || res.Status != domain.TransactionCompleted {
			t.Fatalf("expected replay to report completed, got %+v", res)
		}
		if got := StockOf(ctx, t, db, f.VariationID); got != 3 {
			t.Fatalf("replay must not decrement stock again, got %d", got)
		}
		if got := Count(ctx, t, db, `SELECT COUNT(*) FROM transactions WHERE order_id = $1`, order.ID); got != 1 {
			t.Fatalf("expected 1 transaction after replay, got %d", got)
		}
	})

	t.Run("failure after completion keeps the order", func(t *testing.T) {
		res, err := s.payments.Settle(ctx, notification(order, "24", "VNP-1002"))
		if err != nil {
			t.Fatalf("settle failed: %v", err)
		}
		if !res.AlreadySettled || res.Status != domain.TransactionCompleted {
			t.Fatalf("expected completed order to stay completed, got %+v", res)
		}
		if got := Count(ctx, t, db, `SELECT COUNT(*) FROM orders WHERE id = $1`, order.ID); got != 1 {
			t.Fatal("completed order must not be deleted")
		}
	})
}

func TestSettlementFailure(t *testing.T) {
	ctx, db := setup(t)
	s := newStack(t, db)
	f := SeedFixture(ctx, t, db, "10.00", 5)
	order := s.createOrder(ctx, t, f, 2)

	res, err := s.payments.Settle(ctx, notification(order, "24", "VNP-2001"))
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if res.Status != domain.TransactionFailed {
		t.Fatalf("expected failed status, got %s", res.Status)
	}

	if got := Count(ctx, t, db, `SELECT COUNT(*) FROM orders WHERE id = $1`, order.ID); got != 0 {
		t.Fatal("expected pending order to be deleted")
	}
	if got := Count(ctx, t, db, `SELECT COUNT(*) FROM order_details WHERE order_id = $1`, order.ID); got != 0 {
		t.Fatal("expected order details to be deleted")
	}
	if got := StockOf(ctx, t, db, f.VariationID); got != 5 {
		t.Fatalf("failure must not touch stock, got %d", got)
	}
	if got := Count(ctx, t, db, `SELECT COUNT(*) FROM transactions WHERE gateway_transaction_id = 'VNP-2001' AND status = 'failed'`); got != 1 {
		t.Fatalf("expected one failed transaction, got %d", got)
	}

	t.Run("admins still see the failed attempt", func(t *testing.T) {
		txns, err := s.payments.Transactions(ctx, auth.Principal{UserID: uuid.NewString(), Role: auth.RoleAdmin}, order.ID)
		if err != nil {
			t.Fatalf("failed to list transactions: %v", err)
		}
		if len(txns) != 1 || txns[0].GatewayTransactionID != "VNP-2001" || txns[0].Status != domain.TransactionFailed {
			t.Fatalf("expected the failed transaction, got %+v", txns)
		}

		if _, err := s.payments.Transactions(ctx, auth.Principal{UserID: f.UserID}, order.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found for the owner of a removed order, got %v", err)
		}
	})

	t.Run("later notification for the deleted order", func(t *testing.T) {
		_, err := s.payments.Settle(ctx, notification(order, payment.SuccessCode, "VNP-2002"))
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("without a transaction id nothing is recorded", func(t *testing.T) {
		other := s.createOrder(ctx, t, f, 1)
		before := Count(ctx, t, db, `SELECT COUNT(*) FROM transactions`)

		if _, err := s.payments.Settle(ctx, notification(other, "24", "")); err != nil {
			t.Fatalf("settle failed: %v", err)
		}
		if got := Count(ctx, t, db, `SELECT COUNT(*) FROM transactions`); got != before {
			t.Fatalf("expected no new transaction, got %d (was %d)", got, before)
		}
	})
}

func TestSettlementInsufficientStock(t *testing.T) {
	ctx, db := setup(t)
	s := newStack(t, db)
	f := SeedFixture(ctx, t, db, "10.00", 5)
	order := s.createOrder(ctx, t, f, 2)

	mustExec(ctx, t, db, `UPDATE product_variations SET stock_quantity = 1 WHERE id = $1`, f.VariationID)

	_, err := s.payments.Settle(ctx, notification(order, payment.SuccessCode, "VNP-3001"))
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	if got := StockOf(ctx, t, db, f.VariationID); got != 1 {
		t.Fatalf("stock must be unchanged, got %d", got)
	}
	if got := Count(ctx, t, db, `SELECT COUNT(*) FROM orders WHERE id = $1`, order.ID); got != 0 {
		t.Fatal("expected the pending order to be cleaned up")
	}
	if got := Count(ctx, t, db, `SELECT COUNT(*) FROM transactions WHERE order_id = $1`, order.ID); got != 0 {
		t.Fatal("expected no transaction for a rolled back settlement")
	}
}

func TestSettlementMultipleLines(t *testing.T) {
	ctx, db := setup(t)
	s := newStack(t, db)
	f := SeedFixture(ctx, t, db, "10.00", 5)
	second := SeedVariation(ctx, t, db, f.ProductID, "4.00", 1)

	order, err := s.orders.CreateOrder(ctx, f.UserID, []orders.LineItem{
		{VariationID: f.VariationID, Quantity: 2},
		{VariationID: second, Quantity: 1},
	})
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	// The second line can no longer be fulfilled, so the first must not be
	// decremented either.
	mustExec(ctx, t, db, `UPDATE product_variations SET stock_quantity = 0 WHERE id = $1`, second)
	units := decrementedUnits(ctx, t)

	_, err = s.payments.Settle(ctx, notification(order, payment.SuccessCode, "VNP-4001"))
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if got := StockOf(ctx, t, db, f.VariationID); got != 5 {
		t.Fatalf("expected first variation stock rolled back to 5, got %d", got)
	}
	if got := decrementedUnits(ctx, t) - units; got != 0 {
		t.Fatalf("rolled back decrements must not be counted, got %d", got)
	}
}

func TestSettlementConcurrentOrdersShareStock(t *testing.T) {
	ctx, db := setup(t)
	s := newStack(t, db)
	f := SeedFixture(ctx, t, db, "10.00", 5)

	// Both orders fit the stock on their own but not together.
	pending := []*domain.Order{s.createOrder(ctx, t, f, 3), s.createOrder(ctx, t, f, 3)}

	var wg sync.WaitGroup
	results := make([]*payment.Result, len(pending))
	errs := make([]error, len(pending))
	for i, order := range pending {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.payments.Settle(ctx, notification(order, payment.SuccessCode, "VNP-6"+strconv.Itoa(i)))
		}()
	}
	wg.Wait()

	completed, rejected := -1, -1
	for i := range pending {
		switch {
		case errs[i] == nil && results[i].Status == domain.TransactionCompleted && !results[i].AlreadySettled:
			completed = i
		case errors.Is(errs[i], domain.ErrInsufficientStock):
			rejected = i
		default:
			t.Fatalf("unexpected outcome for order %d: %+v, %v", i, results[i], errs[i])
		}
	}
	if completed < 0 || rejected < 0 {
		t.Fatalf("expected one completion and one insufficient stock error, got %+v %v", results, errs)
	}

	if got := StockOf(ctx, t, db, f.VariationID); got != 2 {
		t.Fatalf("expected stock 2, got %d", got)
	}
	if got := Count(ctx, t, db, `SELECT COUNT(*) FROM orders WHERE id = $1`, pending[rejected].ID); got != 0 {
		t.Fatal("expected the unfulfilled order to be removed")
	}
	settled, err := s.orderRepo.GetByID(ctx, db, pending[completed].ID)
	if err != nil || settled == nil || !settled.Completed() {
		t.Fatalf("expected the fulfilled order to be completed, got %+v %v", settled, err)
	}
}

func TestSettlementOppositeLineOrder(t *testing.T) {
	ctx, db := setup(t)
	s := newStack(t, db)
	f := SeedFixture(ctx, t, db, "10.00", 10)
	other := SeedVariation(ctx, t, db, f.ProductID, "4.00", 10)

	const rounds = 5
	for round := range rounds {
		forward, err := s.orders.CreateOrder(ctx, f.UserID, []orders.LineItem{
			{VariationID: f.VariationID, Quantity: 1},
			{VariationID: other, Quantity: 1},
		})
		if err != nil {
			t.Fatalf("failed to create order: %v", err)
		}
		backward, err := s.orders.CreateOrder(ctx, f.UserID, []orders.LineItem{
			{VariationID: other, Quantity: 1},
			{VariationID: f.VariationID, Quantity: 1},
		})
		if err != nil {
			t.Fatalf("failed to create order: %v", err)
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, order := range []*domain.Order{forward, backward} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				txn := "VNP-7" + strconv.Itoa(round) + strconv.Itoa(i)
				_, errs[i] = s.payments.Settle(ctx, notification(order, payment.SuccessCode, txn))
			}()
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				t.Fatalf("round %d: settlement failed: %v", round, err)
			}
		}
	}

	for _, id := range []string{f.VariationID, other} {
		if got := StockOf(ctx, t, db, id); got != 10-2*rounds {
			t.Fatalf("expected stock %d for %s, got %d", 10-2*rounds, id, got)
		}
	}
	if got := Count(ctx, t, db, `SELECT COUNT(*) FROM orders WHERE user_id = $1 AND order_status = 'completed'`, f.UserID); got != 2*rounds {
		t.Fatalf("expected %d completed orders, got %d", 2*rounds, got)
	}
}

func TestSettlementConcurrentDuplicates(t *testing.T) {
	ctx, db := setup(t)
	s := newStack(t, db)
	f := SeedFixture(ctx, t, db, "10.00", 5)
	order := s.createOrder(ctx, t, f, 2)
	n := notification(order, payment.SuccessCode, "VNP-5001")

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		fresh   int
		replays int
		errs    []error
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.payments.Settle(ctx, n)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case res.AlreadySettled:
				replays++
			default:
				fresh++
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected settlement errors: %v", errs)
	}
	if fresh != 1 || replays != callers-1 {
		t.Fatalf("expected 1 fresh settlement and %d replays, got %d and %d", callers-1, fresh, replays)
	}
	if got := StockOf(ctx, t, db, f.VariationID); got != 3 {
		t.Fatalf("expected stock decremented once to 3, got %d", got)
	}
	if got := Count(ctx, t, db, `SELECT COUNT(*) FROM transactions WHERE gateway_transaction_id = $1`, "VNP-5001"); got != 1 {
		t.Fatalf("expected 1 transaction, got %d", got)
	}
}

func TestPaymentCallbackHTTP(t *testing.T) {
	ctx, db := setup(t)
	s := newStack(t, db)
	f := SeedFixture(ctx, t, db, "10.00", 5)
	order := s.createOrder(ctx, t, f, 1)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := payment.NewHandler(s.payments, "http://localhost:3000", logger)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /payment/handle-payment-response", h.HandleRedirect)
	mux.HandleFunc("POST /payment/handle-payment-response", h.HandleCallback)
	server := httptest.NewServer(mux)
	defer server.Close()

	post := func(body string) (int, map[string]any) {
		t.Helper()
		resp, err := http.Post(server.URL+"/payment/handle-payment-response", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("callback request failed: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()

		var out map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("failed to decode callback response: %v", err)
		}
		return resp.StatusCode, out
	}

	amount := strconv.FormatInt(payment.ToMinorUnits(order.TotalAmount, exchangeRate), 10)
	body := `{"vnp_ResponseCode":"00","vnp_TxnRef":"` + order.ID + `","vnp_TransactionNo":"VNP-6001","vnp_Amount":"` + amount + `"}`

	status, out := post(body)
	if status != http.StatusOK || out["paymentStatus"] != "completed" {
		t.Fatalf("expected 200 completed, got %d %v", status, out)
	}

	status, out = post(body)
	if status != http.StatusOK || out["message"] != "Payment already processed" {
		t.Fatalf("expected replay acknowledgement, got %d %v", status, out)
	}

	status, _ = post(`{"vnp_ResponseCode":"00","vnp_TxnRef":"` + uuid.NewString() + `"}`)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown order, got %d", status)
	}

	t.Run("browser redirect", func(t *testing.T) {
		client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
		q := url.Values{"vnp_ResponseCode": {"24"}, "vnp_TxnRef": {uuid.NewString()}}

		resp, err := client.Get(server.URL + "/payment/handle-payment-response?" + q.Encode())
		if err != nil {
			t.Fatalf("redirect request failed: %v", err)
		}
		_ = resp.Body.Close()

		if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "http://localhost:3000/failed" {
			t.Fatalf("expected redirect to the failure page, got %d %s", resp.StatusCode, resp.Header.Get("Location"))
		}
	})
}

func TestAdminConsole(t *testing.T) {
	ctx, db := setup(t)
	s := newStack(t, db)
	alice := SeedFixture(ctx, t, db, "10.00", 10)
	bob := SeedFixture(ctx, t, db, "5.00", 10)

	aliceOrder := s.createOrder(ctx, t, alice, 1)
	bobOrder := s.createOrder(ctx, t, bob, 2)

	if _, err := s.orderRepo.UpdateStatus(ctx, bobOrder.ID, domain.OrderStatusDelivered); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	stats, err := s.orderRepo.Statistics(ctx)
	if err != nil {
		t.Fatalf("failed to load statistics: %v", err)
	}
	if stats.TotalOrders != 2 || stats.PendingOrders != 1 || stats.CompletedOrders != 1 {
		t.Fatalf("unexpected statistics %+v", stats)
	}
	if !stats.TotalRevenue.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("expected revenue 20.00, got %s", stats.TotalRevenue)
	}

	list := func(f orders.AdminFilter) []orders.AdminOrder {
		t.Helper()
		f.Page, f.Limit = 1, 10
		rows, _, err := s.orderRepo.ListAdmin(ctx, f)
		if err != nil {
			t.Fatalf("failed to list admin orders: %v", err)
		}
		return rows
	}

	username := mustQueryString(ctx, t, db, `SELECT username FROM users WHERE id = $1`, alice.UserID)
	if rows := list(orders.AdminFilter{Search: strings.ToUpper(username)}); len(rows) != 1 || rows[0].ID != aliceOrder.ID {
		t.Fatalf("expected search by username to find alice's order, got %+v", rows)
	}
	if rows := list(orders.AdminFilter{Search: bobOrder.ID}); len(rows) != 1 || rows[0].ID != bobOrder.ID {
		t.Fatalf("expected search by order id to find bob's order, got %+v", rows)
	}
	if rows := list(orders.AdminFilter{Search: "nobody-matches"}); len(rows) != 0 {
		t.Fatalf("expected no results, got %d", len(rows))
	}
	if rows := list(orders.AdminFilter{Status: string(domain.OrderStatusDelivered)}); len(rows) != 1 || rows[0].ID != bobOrder.ID {
		t.Fatalf("expected status filter to find bob's order, got %+v", rows)
	}

	deleted, err := s.orderRepo.Delete(ctx, aliceOrder.ID)
	if err != nil || !deleted {
		t.Fatalf("expected delete to succeed, got %v %v", deleted, err)
	}
	if got := Count(ctx, t, db, `SELECT COUNT(*) FROM order_details WHERE order_id = $1`, aliceOrder.ID); got != 0 {
		t.Fatal("expected details deleted with the order")
	}

	deleted, err = s.orderRepo.Delete(ctx, aliceOrder.ID)
	if err != nil || deleted {
		t.Fatalf("expected second delete to report not found, got %v %v", deleted, err)
	}
}

type emailCapture struct {
	mu     sync.Mutex
	emails []map[string]string
}

func (e *emailCapture) handler(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	e.emails = append(e.emails, req)
	e.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, `{"status":"sent"}`)
}

func (e *emailCapture) getEmails() []map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]map[string]string, len(e.emails))
	copy(result, e.emails)
	return result
}

func TestPaymentSettledNotification(t *testing.T) {
	ctx, db := setup(t)

	brokers, cleanupKafka := SetupKafka(ctx, t)
	defer cleanupKafka()
	CreateTopic(ctx, t, brokers, messaging.TopicPaymentSettled)

	producer := messaging.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	s := newStack(t, db, payment.WithPublisher(producer.Topic(messaging.TopicPaymentSettled)))
	f := SeedFixture(ctx, t, db, "10.00", 5)
	order := s.createOrder(ctx, t, f, 2)

	if _, err := s.payments.Settle(ctx, notification(order, payment.SuccessCode, "VNP-7001")); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	// Replays must not publish a second event.
	if _, err := s.payments.Settle(ctx, notification(order, payment.SuccessCode, "VNP-7001")); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	emailCap := &emailCapture{}
	emailMux := http.NewServeMux()
	emailMux.HandleFunc("POST /send", emailCap.handler)
	emailServer := httptest.NewServer(emailMux)
	defer emailServer.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := worker.NewNotificationHandler(emailServer.URL, &http.Client{Timeout: 10 * time.Second}, logger)

	consumer := messaging.NewConsumer(brokers, messaging.TopicPaymentSettled, "notification-test",
		messaging.WithStartOffset(kafkago.FirstOffset), messaging.WithRetry(3, 100*time.Millisecond))
	defer func() { _ = consumer.Close() }()

	consumeCtx, stop := context.WithTimeout(ctx, 45*time.Second)
	defer stop()
	done := make(chan error, 1)
	go func() { done <- consumer.Consume(consumeCtx, handler.Handle) }()

	deadline := time.After(40 * time.Second)
	for len(emailCap.getEmails()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the payment email")
		case err := <-done:
			t.Fatalf("consumer stopped early: %v", err)
		case <-time.After(200 * time.Millisecond):
		}
	}

	// Give a duplicate event time to arrive before counting.
	time.Sleep(2 * time.Second)
	stop()
	<-done

	emails := emailCap.getEmails()
	if len(emails) != 1 {
		t.Fatalf("expected 1 email, got %d", len(emails))
	}
	if emails[0]["to"] != f.Email {
		t.Fatalf("expected email to %s, got %s", f.Email, emails[0]["to"])
	}
	if !strings.Contains(emails[0]["subject"], "Payment received") {
		t.Fatalf("unexpected subject %q", emails[0]["subject"])
	}
	if !strings.Contains(emails[0]["body"], "20.00") {
		t.Fatalf("expected amount in body, got %q", emails[0]["body"])
	}
}
