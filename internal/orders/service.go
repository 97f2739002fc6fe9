// Package orders turns line items or saved cart items into pending orders
// and serves order history and the admin order console.
package orders

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/storefront-checkout/internal/database"
	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// LineItem is one requested purchase. VariationID is the purchasable SKU;
// ProductID is optional and must agree with the variation when present.
type LineItem struct {
	VariationID string           `json:"_id"`
	ProductID   string           `json:"product_id"`
	Quantity    int              `json:"quantity"`
	Price       *decimal.Decimal `json:"price,omitempty"`
}

type OrderPage struct {
	Page        int            `json:"page"`
	Limit       int            `json:"limit"`
	TotalOrders int            `json:"totalOrders"`
	TotalPages  int            `json:"totalPages"`
	Orders      []domain.Order `json:"orders"`
}

type variationReader interface {
	GetForShare(ctx context.Context, tx database.Querier, id string) (*domain.Variation, error)
}

type publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type Service struct {
	db               *sql.DB
	repo             *OrderRepository
	variations       variationReader
	producer         publisher
	trustClientPrice bool
	logger           *slog.Logger
}

type ServiceOption func(*Service)

// WithPublisher sends order.created events after each committed order.
func WithPublisher(p publisher) ServiceOption {
	return func(s *Service) {
		s.producer = p
	}
}

// WithClientPrice prices explicit line items with the caller-supplied price
// instead of the live variation price.
func WithClientPrice(trust bool) ServiceOption {
	return func(s *Service) {
		s.trustClientPrice = trust
	}
}

func NewService(db *sql.DB, repo *OrderRepository, variations variationReader, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		db:         db,
		repo:       repo,
		variations: variations,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// CreateOrder validates the line items against live stock and persists a
// pending order with one detail per line item. Stock is not decremented.
func (s *Service) CreateOrder(ctx context.Context, userID string, items []LineItem) (*domain.Order, error) {
	if err := validateLineItems(items, s.trustClientPrice); err != nil {
		return nil, err
	}

	addr, err := s.defaultAddress(ctx, userID)
	if err != nil {
		return nil, err
	}

	lines := make([]line, 0, len(items))
	for _, item := range items {
		l := line{variationID: canonicalID(item.VariationID), productID: canonicalID(item.ProductID), quantity: item.Quantity}
		if s.trustClientPrice {
			l.price = item.Price
		}
		lines = append(lines, l)
	}

	var order *domain.Order
	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		order, err = s.assemble(ctx, tx, userID, addr.ID, lines)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.created(ctx, order, "items")
	return order, nil
}

// CreateOrderFromCart builds an order from the user's saved cart items,
// priced at live variation prices, and removes those cart items in the same
// transaction.
func (s *Service) CreateOrderFromCart(ctx context.Context, userID string, cartItemIDs []string) (*domain.Order, error) {
	ids, err := normalizeIDs(cartItemIDs)
	if err != nil {
		return nil, err
	}

	addr, err := s.defaultAddress(ctx, userID)
	if err != nil {
		return nil, err
	}

	var order *domain.Order
	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		items, err := s.repo.CartItems(ctx, tx, userID, ids)
		if err != nil {
			return fmt.Errorf("load cart items: %w", err)
		}
		if len(items) != len(ids) {
			return fmt.Errorf("%w: some cart items not found", domain.ErrNotFound)
		}

		lines := make([]line, 0, len(items))
		for _, item := range items {
			lines = append(lines, line{variationID: item.VariationID, productID: item.ProductID, quantity: item.Quantity})
		}

		order, err = s.assemble(ctx, tx, userID, addr.ID, lines)
		if err != nil {
			return err
		}

		if err := s.repo.DeleteCartItems(ctx, tx, userID, ids); err != nil {
			return fmt.Errorf("delete cart items: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.created(ctx, order, "cart")
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, userID string, page, limit int) (*OrderPage, error) {
	page, limit = normalizePage(page, limit)

	orders, total, err := s.repo.ListByUser(ctx, userID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	return &OrderPage{
		Page:        page,
		Limit:       limit,
		TotalOrders: total,
		TotalPages:  (total + limit - 1) / limit,
		Orders:      orders,
	}, nil
}

func (s *Service) defaultAddress(ctx context.Context, userID string) (*domain.Address, error) {
	addr, err := s.repo.DefaultAddress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load default address: %w", err)
	}
	if addr == nil {
		return nil, fmt.Errorf("%w: no default shipping address", domain.ErrNotFound)
	}
	return addr, nil
}

type line struct {
	variationID string
	productID   string
	quantity    int
	price       *decimal.Decimal
}

// assemble checks stock for every distinct variation against the summed
// requested quantity and inserts the order. Variation rows stay share-locked
// until tx ends.
func (s *Service) assemble(ctx context.Context, tx *sql.Tx, userID, addressID string, lines []line) (*domain.Order, error) {
	ids, required := lockOrder(lines)

	variations := make(map[string]*domain.Variation, len(ids))
	for _, id := range ids {
		v, err := s.variations.GetForShare(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("load variation %s: %w", id, err)
		}
		if v == nil {
			return nil, fmt.Errorf("%w: variation %s not found", domain.ErrNotFound, id)
		}
		if v.StockQuantity < required[id] {
			return nil, fmt.Errorf("%w for variation %s: requested %d, available %d",
				domain.ErrInsufficientStock, id, required[id], v.StockQuantity)
		}
		variations[id] = v
	}

	details := make([]domain.OrderDetail, 0, len(lines))
	for _, l := range lines {
		v := variations[l.variationID]
		if l.productID != "" && l.productID != v.ProductID {
			return nil, fmt.Errorf("%w: variation %s does not belong to product %s", domain.ErrValidation, v.ID, l.productID)
		}

		price := v.Price
		if l.price != nil {
			price = *l.price
		}

		details = append(details, domain.OrderDetail{
			ProductID:       v.ProductID,
			VariationID:     v.ID,
			Quantity:        l.quantity,
			PriceAtPurchase: price,
		})
	}

	o := &domain.Order{
		UserID:        userID,
		AddressID:     addressID,
		OrderStatus:   domain.SettlementPending,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		TotalAmount:   domain.Total(details),
		Details:       details,
	}

	if err := s.repo.Insert(ctx, tx, o); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	return o, nil
}

// lockOrder returns the distinct variation ids of lines in ascending order,
// the order in which their rows are locked, and the summed quantity for each.
func lockOrder(lines []line) ([]string, map[string]int) {
	required := make(map[string]int, len(lines))
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		if _, seen := required[l.variationID]; !seen {
			ids = append(ids, l.variationID)
		}
		required[l.variationID] += l.quantity
	}
	slices.Sort(ids)
	return ids, required
}

func (s *Service) created(ctx context.Context, order *domain.Order, source string) {
	ordersCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))

	if s.producer != nil {
		event := domain.OrderCreatedEvent{
			OrderID:     order.ID,
			UserID:      order.UserID,
			Email:       order.UserEmail,
			TotalAmount: order.TotalAmount,
			Items:       order.Details,
			Timestamp:   time.Now().UTC(),
		}
		if err := s.producer.Publish(ctx, order.ID, event); err != nil {
			s.logger.Error("failed to publish order created event", "error", err, "order_id", order.ID)
		}
	}

	s.logger.Info("order created", "order_id", order.ID, "user_id", order.UserID,
		"total_amount", order.TotalAmount.StringFixed(2), "source", source)
}

func validateLineItems(items []LineItem, requirePrice bool) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: at least one product is required", domain.ErrValidation)
	}

	for i, item := range items {
		if uuid.Validate(item.VariationID) != nil {
			return fmt.Errorf("%w: products[%d]: invalid variation id %q", domain.ErrValidation, i, item.VariationID)
		}
		if item.ProductID != "" && uuid.Validate(item.ProductID) != nil {
			return fmt.Errorf("%w: products[%d]: invalid product id %q", domain.ErrValidation, i, item.ProductID)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: products[%d]: quantity must be positive", domain.ErrValidation, i)
		}
		if requirePrice && (item.Price == nil || item.Price.IsNegative()) {
			return fmt.Errorf("%w: products[%d]: a non-negative price is required", domain.ErrValidation, i)
		}
		if item.Price != nil && !item.Price.Equal(item.Price.Round(2)) {
			return fmt.Errorf("%w: products[%d]: price has more than 2 decimal places", domain.ErrValidation, i)
		}
	}

	return nil
}

// normalizeIDs validates ids and returns them in canonical form. Duplicates
// are kept, so a repeated id fails the cart item count check.
func normalizeIDs(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: selected cart items are required", domain.ErrValidation)
	}

	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid cart item id %q", domain.ErrValidation, raw)
		}
		out = append(out, parsed.String())
	}

	return out, nil
}

// canonicalID lowercases a valid UUID so it compares equal to stored ids.
func canonicalID(id string) string {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return id
	}
	return parsed.String()
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}
