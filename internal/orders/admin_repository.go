package orders

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/storefront-checkout/internal/database"
	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

// AdminFilter narrows the admin order listing. Zero values mean no filter.
type AdminFilter struct {
	Status string
	From   time.Time
	// Exclusive upper bound.
	Until  time.Time
	Search string
	Page   int
	Limit  int
}

type AdminUser struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type AdminOrder struct {
	ID              string               `json:"_id"`
	User            AdminUser            `json:"user"`
	ShippingAddress *domain.Address      `json:"shippingAddress"`
	TotalAmount     decimal.Decimal      `json:"totalAmount"`
	Status          domain.OrderStatus   `json:"status"`
	PaymentStatus   domain.PaymentStatus `json:"paymentStatus"`
	Items           []domain.OrderDetail `json:"items"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

type Statistics struct {
	TotalOrders     int             `json:"totalOrders"`
	TotalRevenue    decimal.Decimal `json:"totalRevenue"`
	PendingOrders   int             `json:"pendingOrders"`
	CompletedOrders int             `json:"completedOrders"`
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ListAdmin returns one page of all orders matching f and the total match
// count. A search term first matches usernames and emails; when no user
// matches, a UUID term matches the order id and anything else matches
// nothing.
func (r *OrderRepository) ListAdmin(ctx context.Context, f AdminFilter) ([]AdminOrder, int, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		conds = append(conds, "o.status = "+arg(f.Status))
	}
	if !f.From.IsZero() {
		conds = append(conds, "o.created_at >= "+arg(f.From))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "o.created_at < "+arg(f.Until))
	}

	if f.Search != "" {
		userIDs, err := r.searchUsers(ctx, f.Search)
		if err != nil {
			return nil, 0, err
		}

		switch {
		case len(userIDs) > 0:
			conds = append(conds, "o.user_id = ANY("+arg(pq.Array(userIDs))+"::uuid[])")
		case uuid.Validate(f.Search) == nil:
			conds = append(conds, "o.id = "+arg(f.Search))
		default:
			return []AdminOrder{}, 0, nil
		}
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders o `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limitArg := arg(f.Limit)
	offsetArg := arg((f.Page - 1) * f.Limit)

	rows, err := r.db.QueryContext(ctx, `
		SELECT o.id, u.username, u.email,
		       a.id, a.street, a.city, a.state, a.zip_code, a.phone,
		       o.total_amount, o.status, o.payment_status, o.created_at, o.updated_at
		FROM orders o
		JOIN users u ON u.id = o.user_id
		LEFT JOIN addresses a ON a.id = o.address_id
		`+where+`
		ORDER BY o.created_at DESC, o.id
		LIMIT `+limitArg+` OFFSET `+offsetArg, args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	orders := []AdminOrder{}
	var orderIDs []string
	for rows.Next() {
		var o AdminOrder
		var addrID, street, city, state, zip, phone sql.NullString
		if err := rows.Scan(&o.ID, &o.User.Username, &o.User.Email,
			&addrID, &street, &city, &state, &zip, &phone,
			&o.TotalAmount, &o.Status, &o.PaymentStatus, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, 0, err
		}
		if addrID.Valid {
			o.ShippingAddress = &domain.Address{
				ID:      addrID.String,
				Street:  street.String,
				City:    city.String,
				State:   state.String,
				ZipCode: zip.String,
				Phone:   phone.String,
			}
		}
		o.Items = []domain.OrderDetail{}
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
		if items, ok := details[orders[i].ID]; ok {
			orders[i].Items = items
		}
	}

	return orders, total, nil
}

func (r *OrderRepository) searchUsers(ctx context.Context, term string) ([]string, error) {
	pattern := "%" + likeEscaper.Replace(term) + "%"

	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM users
		WHERE username ILIKE $1 OR email ILIKE $1
	`, pattern)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (r *OrderRepository) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{}

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(total_amount), 0),
		       COUNT(*) FILTER (WHERE status IN ('pending', 'confirmed', 'processing')),
		       COUNT(*) FILTER (WHERE status = 'delivered')
		FROM orders
	`).Scan(&stats.TotalOrders, &stats.TotalRevenue, &stats.PendingOrders, &stats.CompletedOrders)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// UpdateStatus sets the fulfillment status. It returns nil when the order
// does not exist.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, id)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rowsAffected == 0 {
		return nil, nil
	}

	return r.GetByID(ctx, r.db, id)
}

// Delete removes an order and its details regardless of settlement state.
// It reports false when the order does not exist.
func (r *OrderRepository) Delete(ctx context.Context, id string) (bool, error) {
	var deleted bool

	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM order_details WHERE order_id = $1`, id); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
		if err != nil {
			return err
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		deleted = rowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}

	return deleted, nil
}
