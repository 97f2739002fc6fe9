package orders

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/storefront-checkout/internal/database"
	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) DefaultAddress(ctx context.Context, userID string) (*domain.Address, error) {
	addr := &domain.Address{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, street, city, state, zip_code, phone, is_default
		FROM addresses
		WHERE user_id = $1 AND is_default
		LIMIT 1
	`, userID).Scan(&addr.ID, &addr.UserID, &addr.Street, &addr.City, &addr.State, &addr.ZipCode, &addr.Phone, &addr.IsDefault)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return addr, nil
}

// CartItems loads the given cart items owned by userID and locks them for
// the rest of the transaction. Items belonging to other users are skipped.
func (r *OrderRepository) CartItems(ctx context.Context, q database.Querier, userID string, ids []string) ([]domain.CartItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, product_id, variation_id, quantity
		FROM cart_items
		WHERE user_id = $1 AND id = ANY($2::uuid[])
		ORDER BY created_at, id
		FOR UPDATE
	`, userID, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []domain.CartItem
	for rows.Next() {
		var item domain.CartItem
		if err := rows.Scan(&item.ID, &item.UserID, &item.ProductID, &item.VariationID, &item.Quantity); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (r *OrderRepository) DeleteCartItems(ctx context.Context, q database.Querier, userID string, ids []string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM cart_items
		WHERE user_id = $1 AND id = ANY($2::uuid[])
	`, userID, pq.Array(ids))
	return err
}

// Insert writes a new order and its details. It assigns ids and timestamps
// and fills in the owner's email.
func (r *OrderRepository) Insert(ctx context.Context, q database.Querier, order *domain.Order) error {
	order.ID = uuid.New().String()
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now

	err := q.QueryRowContext(ctx, `
		WITH inserted AS (
			INSERT INTO orders (id, user_id, address_id, order_status, status, payment_status, total_amount, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			RETURNING user_id
		)
		SELECT u.email FROM inserted JOIN users u ON u.id = inserted.user_id
	`, order.ID, order.UserID, order.AddressID, order.OrderStatus, order.Status, order.PaymentStatus, order.TotalAmount, now).
		Scan(&order.UserEmail)
	if err != nil {
		return err
	}

	for i := range order.Details {
		detail := &order.Details[i]
		detail.ID = uuid.New().String()
		detail.OrderID = order.ID

		_, err = q.ExecContext(ctx, `
			INSERT INTO order_details (id, order_id, product_id, variation_id, quantity, price_at_purchase)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, detail.ID, detail.OrderID, detail.ProductID, detail.VariationID, detail.Quantity, detail.PriceAtPurchase)
		if err != nil {
			return err
		}
	}

	return nil
}

// GetByID returns the order with the owner's email, without details.
func (r *OrderRepository) GetByID(ctx context.Context, q database.Querier, id string) (*domain.Order, error) {
	order := &domain.Order{}
	var addressID sql.NullString

	err := q.QueryRowContext(ctx, `
		SELECT o.id, o.user_id, o.address_id, o.order_status, o.status, o.payment_status,
		       o.total_amount, o.created_at, o.updated_at, u.email
		FROM orders o
		JOIN users u ON u.id = o.user_id
		WHERE o.id = $1
	`, id).Scan(&order.ID, &order.UserID, &addressID, &order.OrderStatus, &order.Status, &order.PaymentStatus,
		&order.TotalAmount, &order.CreatedAt, &order.UpdatedAt, &order.UserEmail)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	order.AddressID = addressID.String

	return order, nil
}

func (r *OrderRepository) Details(ctx context.Context, q database.Querier, orderID string) ([]domain.OrderDetail, error) {
	byOrder, err := r.detailsFor(ctx, q, []string{orderID})
	if err != nil {
		return nil, err
	}
	return byOrder[orderID], nil
}

func (r *OrderRepository) detailsFor(ctx context.Context, q database.Querier, orderIDs []string) (map[string][]domain.OrderDetail, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT d.id, d.order_id, d.product_id, d.variation_id, d.quantity, d.price_at_purchase,
		       p.name, v.size, v.color, v.price
		FROM order_details d
		JOIN products p ON p.id = d.product_id
		JOIN product_variations v ON v.id = d.variation_id
		WHERE d.order_id = ANY($1::uuid[])
		ORDER BY d.order_id, d.id
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	byOrder := make(map[string][]domain.OrderDetail, len(orderIDs))
	for rows.Next() {
		var d domain.OrderDetail
		var price decimal.Decimal
		if err := rows.Scan(&d.ID, &d.OrderID, &d.ProductID, &d.VariationID, &d.Quantity, &d.PriceAtPurchase,
			&d.ProductName, &d.Size, &d.Color, &price); err != nil {
			return nil, err
		}
		d.VariationPrice = &price
		byOrder[d.OrderID] = append(byOrder[d.OrderID], d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return byOrder, nil
}

// ListByUser returns one page of the user's orders, newest first, with
// details, and the user's total order count.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, page, limit int) ([]domain.Order, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(address_id::text, ''), order_status, status, payment_status,
		       total_amount, created_at, updated_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	orders := []domain.Order{}
	var orderIDs []string
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.AddressID, &o.OrderStatus, &o.Status, &o.PaymentStatus,
			&o.TotalAmount, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, 0, err
		}
		orders = append(orders, o)
		orderIDs = append(orderIDs, o.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if len(orderIDs) == 0 {
		return orders, total, nil
	}

	details, err := r.detailsFor(ctx, r.db, orderIDs)
	if err != nil {
		return nil, 0, err
	}
	for i := range orders {
		orders[i].Details = details[orders[i].ID]
	}

	return orders, total, nil
}

// Complete flips a pending order to completed/paid. It reports whether this
// call performed the transition; false means the order was already completed
// or no longer exists.
func (r *OrderRepository) Complete(ctx context.Context, q database.Querier, id string) (bool, error) {
	result, err := q.ExecContext(ctx, `
		UPDATE orders
		SET order_status = $2, payment_status = $3, updated_at = NOW()
		WHERE id = $1 AND order_status <> $2
	`, id, domain.SettlementCompleted, domain.PaymentStatusPaid)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected > 0, nil
}

// DeletePending removes an order that has not been completed, details first.
// The order row is locked before the check, so a concurrent Complete either
// finishes first (nothing is deleted) or finds the row gone.
func (r *OrderRepository) DeletePending(ctx context.Context, q database.Querier, id string) (bool, error) {
	var status domain.SettlementStatus
	err := q.QueryRowContext(ctx, `SELECT order_status FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}

	if status == domain.SettlementCompleted {
		return false, nil
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM order_details WHERE order_id = $1`, id); err != nil {
		return false, err
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id); err != nil {
		return false, err
	}

	return true, nil
}
