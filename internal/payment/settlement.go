// Package payment reconciles gateway payment notifications against pending
// orders and builds signed checkout URLs.
package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/storefront-checkout/internal/auth"
	"github.com/joao-fontenele/storefront-checkout/internal/database"
	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

const cleanupTimeout = 5 * time.Second

// Result is the outcome of one settlement call.
type Result struct {
	OrderID string
	Status  domain.TransactionStatus
	// AlreadySettled is set when the order had been completed by an earlier
	// or concurrent notification and nothing was re-applied.
	AlreadySettled bool
}

type orderStore interface {
	GetByID(ctx context.Context, q database.Querier, id string) (*domain.Order, error)
	Details(ctx context.Context, q database.Querier, orderID string) ([]domain.OrderDetail, error)
	Complete(ctx context.Context, q database.Querier, id string) (bool, error)
	DeletePending(ctx context.Context, q database.Querier, id string) (bool, error)
}

type stockStore interface {
	Decrement(ctx context.Context, q database.Querier, variationID string, quantity int) error
}

type transactionStore interface {
	Upsert(ctx context.Context, q database.Querier, txn *domain.Transaction) error
	ListByOrder(ctx context.Context, q database.Querier, orderID string) ([]domain.Transaction, error)
}

type publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type Service struct {
	db           *sql.DB
	orders       orderStore
	stock        stockStore
	transactions transactionStore
	urls         *URLBuilder
	rate         decimal.Decimal
	verifier     *Signer
	producer     publisher
	logger       *slog.Logger
}

type ServiceOption func(*Service)

// WithSignatureVerification rejects notifications whose secure hash does not
// match.
func WithSignatureVerification(s *Signer) ServiceOption {
	return func(svc *Service) {
		svc.verifier = s
	}
}

// WithPublisher sends payment.settled events for fresh outcomes.
func WithPublisher(p publisher) ServiceOption {
	return func(svc *Service) {
		svc.producer = p
	}
}

func NewService(db *sql.DB, orders orderStore, stock stockStore, transactions transactionStore, urls *URLBuilder, rate decimal.Decimal, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		db:           db,
		orders:       orders,
		stock:        stock,
		transactions: transactions,
		urls:         urls,
		rate:         rate,
		logger:       logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Settle applies a gateway notification to its order exactly once. A success
// code completes the order and decrements stock for every line item; any
// other code deletes the pending order. Replays and concurrent duplicates of
// a settled order report completed without re-applying anything.
func (s *Service) Settle(ctx context.Context, n Notification) (*Result, error) {
	ctx, span := tracer.Start(ctx, "payment.settle",
		trace.WithAttributes(
			attribute.String("order.id", n.OrderRef),
			attribute.String("payment.response_code", n.ResponseCode),
			attribute.String("payment.transaction_no", n.TransactionNo),
		),
	)
	defer span.End()

	res, err := s.settle(ctx, n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		settlementsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		return nil, err
	}

	outcome := string(res.Status)
	if res.AlreadySettled {
		outcome = "replayed"
	}
	span.SetAttributes(attribute.String("payment.outcome", outcome))
	settlementsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	return res, nil
}

func (s *Service) settle(ctx context.Context, n Notification) (*Result, error) {
	if n.ResponseCode == "" || n.OrderRef == "" {
		return nil, fmt.Errorf("%w: all fields are required", domain.ErrValidation)
	}

	ref, err := uuid.Parse(n.OrderRef)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid order id format", domain.ErrValidation)
	}
	orderID := ref.String()

	if s.verifier != nil && !s.verifier.Verify(n.Params) {
		return nil, fmt.Errorf("%w: invalid secure hash", domain.ErrValidation)
	}

	order, err := s.orders.GetByID(ctx, s.db, orderID)
	if err != nil {
		s.cleanup(ctx, orderID)
		return nil, fmt.Errorf("load order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}

	if order.Completed() {
		s.logger.Info("payment already settled", "order_id", orderID, "transaction_no", n.TransactionNo)
		return &Result{OrderID: orderID, Status: domain.TransactionCompleted, AlreadySettled: true}, nil
	}

	var res *Result
	if n.Succeeded() {
		res, err = s.complete(ctx, order, n)
	} else {
		res, err = s.reject(ctx, order, n)
	}
	if err != nil {
		s.cleanup(ctx, orderID)
		return nil, err
	}

	if !res.AlreadySettled {
		s.publish(ctx, order, n, res.Status)
	}

	return res, nil
}

func (s *Service) complete(ctx context.Context, order *domain.Order, n Notification) (*Result, error) {
	res := &Result{OrderID: order.ID, Status: domain.TransactionCompleted}
	var units int64

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		applied, err := s.orders.Complete(ctx, tx, order.ID)
		if err != nil {
			return fmt.Errorf("complete order: %w", err)
		}

		if applied {
			details, err := s.orders.Details(ctx, tx, order.ID)
			if err != nil {
				return fmt.Errorf("load order details: %w", err)
			}
			for _, d := range decrementOrder(details) {
				if err := s.stock.Decrement(ctx, tx, d.VariationID, d.Quantity); err != nil {
					return err
				}
				units += int64(d.Quantity)
			}
		} else {
			current, err := s.orders.GetByID(ctx, tx, order.ID)
			if err != nil {
				return fmt.Errorf("reload order: %w", err)
			}
			if current == nil {
				return fmt.Errorf("%w: order %s was removed before settlement", domain.ErrNotFound, order.ID)
			}
			res.AlreadySettled = true
		}

		return s.record(ctx, tx, order.ID, n, domain.TransactionCompleted)
	})
	if err != nil {
		return nil, err
	}

	if res.AlreadySettled {
		s.logger.Info("payment settled concurrently", "order_id", order.ID, "transaction_no", n.TransactionNo)
	} else {
		decrementCounter.Add(ctx, units)
		s.logger.Info("payment settled", "order_id", order.ID, "transaction_no", n.TransactionNo)
	}
	return res, nil
}

// decrementOrder returns details sorted by variation id, the order in which
// stock rows are locked for update.
func decrementOrder(details []domain.OrderDetail) []domain.OrderDetail {
	return slices.SortedStableFunc(slices.Values(details), func(a, b domain.OrderDetail) int {
		return strings.Compare(a.VariationID, b.VariationID)
	})
}

func (s *Service) reject(ctx context.Context, order *domain.Order, n Notification) (*Result, error) {
	res := &Result{OrderID: order.ID, Status: domain.TransactionFailed}

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		deleted, err := s.orders.DeletePending(ctx, tx, order.ID)
		if err != nil {
			return fmt.Errorf("delete pending order: %w", err)
		}

		if !deleted {
			current, err := s.orders.GetByID(ctx, tx, order.ID)
			if err != nil {
				return fmt.Errorf("reload order: %w", err)
			}
			if current != nil && current.Completed() {
				res.Status = domain.TransactionCompleted
				res.AlreadySettled = true
				return nil
			}
		}

		return s.record(ctx, tx, order.ID, n, domain.TransactionFailed)
	})
	if err != nil {
		return nil, err
	}

	if res.AlreadySettled {
		s.logger.Warn("failure notification for an order settled concurrently", "order_id", order.ID,
			"response_code", n.ResponseCode)
	} else {
		s.logger.Info("payment failed, order removed", "order_id", order.ID, "response_code", n.ResponseCode)
	}
	return res, nil
}

// record writes the Transaction for n. Notifications without a gateway
// transaction id carry no idempotency key and are not recorded.
func (s *Service) record(ctx context.Context, tx *sql.Tx, orderID string, n Notification, status domain.TransactionStatus) error {
	if n.TransactionNo == "" {
		s.logger.Warn("notification has no transaction id, skipping transaction record", "order_id", orderID)
		return nil
	}

	txn := &domain.Transaction{
		OrderID:              orderID,
		PaymentMethod:        paymentMethod,
		Amount:               FromMinorUnits(n.Amount, s.rate),
		GatewayTransactionID: n.TransactionNo,
		Status:               status,
	}
	if err := s.transactions.Upsert(ctx, tx, txn); err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}

// cleanup removes an order left pending by a failed settlement attempt. It
// outlives the caller's context and only logs its own errors.
func (s *Service) cleanup(ctx context.Context, orderID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	var deleted bool
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		deleted, err = s.orders.DeletePending(ctx, tx, orderID)
		return err
	})
	if err != nil {
		s.logger.Error("failed to clean up order after settlement error", "error", err, "order_id", orderID)
		return
	}

	if deleted {
		s.logger.Info("removed pending order after settlement error", "order_id", orderID)
	}
}

func (s *Service) publish(ctx context.Context, order *domain.Order, n Notification, status domain.TransactionStatus) {
	if s.producer == nil {
		return
	}

	event := domain.PaymentSettledEvent{
		OrderID:       order.ID,
		UserID:        order.UserID,
		Email:         order.UserEmail,
		Status:        status,
		Amount:        FromMinorUnits(n.Amount, s.rate),
		TransactionID: n.TransactionNo,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.producer.Publish(ctx, order.ID, event); err != nil {
		s.logger.Error("failed to publish payment settled event", "error", err, "order_id", order.ID)
	}
}

// PaymentURL returns a signed checkout URL for a pending order owned by the
// principal. Admins may request URLs for any order.
func (s *Service) PaymentURL(ctx context.Context, principal auth.Principal, orderID string) (string, error) {
	ref, err := uuid.Parse(orderID)
	if err != nil {
		return "", fmt.Errorf("%w: invalid order id", domain.ErrValidation)
	}

	order, err := s.orders.GetByID(ctx, s.db, ref.String())
	if err != nil {
		return "", fmt.Errorf("load order: %w", err)
	}
	if order == nil {
		return "", fmt.Errorf("%w: order %s", domain.ErrNotFound, ref)
	}

	if order.UserID != principal.UserID && !principal.Admin() {
		return "", fmt.Errorf("%w: order belongs to another user", domain.ErrForbidden)
	}

	if order.Completed() {
		return "", fmt.Errorf("%w: order %s is already paid", domain.ErrValidation, order.ID)
	}

	return s.urls.Build(order), nil
}

// Transactions lists the payment attempts recorded for an order. Owners may
// list their own orders. Admins may list any order id, including orders
// removed after a failed payment.
func (s *Service) Transactions(ctx context.Context, principal auth.Principal, orderID string) ([]domain.Transaction, error) {
	ref, err := uuid.Parse(orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid order id", domain.ErrValidation)
	}
	id := ref.String()

	if !principal.Admin() {
		order, err := s.orders.GetByID(ctx, s.db, id)
		if err != nil {
			return nil, fmt.Errorf("load order: %w", err)
		}
		if order == nil {
			return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
		}
		if order.UserID != principal.UserID {
			return nil, fmt.Errorf("%w: order belongs to another user", domain.ErrForbidden)
		}
	}

	txns, err := s.transactions.ListByOrder(ctx, s.db, id)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	if txns == nil {
		txns = []domain.Transaction{}
	}
	return txns, nil
}

// IsClientError reports whether err was caused by the notification itself
// rather than by the service.
func IsClientError(err error) bool {
	return errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound)
}
