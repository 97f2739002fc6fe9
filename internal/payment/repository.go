package payment

import (
	"context"

	"github.com/google/uuid"

	"github.com/joao-fontenele/storefront-checkout/internal/database"
	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

type TransactionRepository struct{}

func NewTransactionRepository() *TransactionRepository {
	return &TransactionRepository{}
}

// Upsert records txn keyed by its gateway transaction id, overwriting the
// previous record for that id. It must run inside a transaction: a unique
// violation is rolled back to a savepoint and ignored so the surrounding
// transaction stays usable.
func (r *TransactionRepository) Upsert(ctx context.Context, tx database.Querier, txn *domain.Transaction) error {
	if _, err := tx.ExecContext(ctx, `SAVEPOINT transaction_upsert`); err != nil {
		return err
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO transactions (id, order_id, payment_method, amount, gateway_transaction_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (gateway_transaction_id) DO UPDATE
		SET order_id = EXCLUDED.order_id,
		    payment_method = EXCLUDED.payment_method,
		    amount = EXCLUDED.amount,
		    status = EXCLUDED.status,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at
	`, uuid.New().String(), txn.OrderID, txn.PaymentMethod, txn.Amount, txn.GatewayTransactionID, txn.Status,
	).Scan(&txn.ID, &txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			_, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT transaction_upsert`)
			return rbErr
		}
		return err
	}

	_, err = tx.ExecContext(ctx, `RELEASE SAVEPOINT transaction_upsert`)
	return err
}

// ListByOrder returns the recorded transactions for an order, oldest first.
func (r *TransactionRepository) ListByOrder(ctx context.Context, q database.Querier, orderID string) ([]domain.Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, payment_method, amount, gateway_transaction_id, status, created_at, updated_at
		FROM transactions
		WHERE order_id = $1
		ORDER BY created_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var txns []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.OrderID, &t.PaymentMethod, &t.Amount, &t.GatewayTransactionID,
			&t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}

	return txns, rows.Err()
}
