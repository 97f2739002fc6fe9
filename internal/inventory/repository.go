package inventory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/joao-fontenele/storefront-checkout/internal/database"
	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

type VariationRepository struct {
	db *sql.DB
}

func NewVariationRepository(db *sql.DB) *VariationRepository {
	return &VariationRepository{db: db}
}

func (r *VariationRepository) GetStock(ctx context.Context, id string) (*domain.Variation, error) {
	return r.get(ctx, r.db, id, "")
}

// GetForShare reads a variation inside tx and holds a share lock on the row
// until the transaction ends, so a concurrent settlement decrement waits.
func (r *VariationRepository) GetForShare(ctx context.Context, tx database.Querier, id string) (*domain.Variation, error) {
	return r.get(ctx, tx, id, "FOR SHARE")
}

func (r *VariationRepository) get(ctx context.Context, q database.Querier, id, lock string) (*domain.Variation, error) {
	v := &domain.Variation{}

	err := q.QueryRowContext(ctx, `
		SELECT id, product_id, size, color, price, stock_quantity
		FROM product_variations
		WHERE id = $1
	`+lock, id).Scan(&v.ID, &v.ProductID, &v.Size, &v.Color, &v.Price, &v.StockQuantity)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return v, nil
}

// ListByIDs returns the variations among ids, ordered by id.
func (r *VariationRepository) ListByIDs(ctx context.Context, ids []string) ([]domain.Variation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, product_id, size, color, price, stock_quantity
		FROM product_variations
		WHERE id = ANY($1)
		ORDER BY id
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var variations []domain.Variation
	for rows.Next() {
		var v domain.Variation
		if err := rows.Scan(&v.ID, &v.ProductID, &v.Size, &v.Color, &v.Price, &v.StockQuantity); err != nil {
			return nil, err
		}
		variations = append(variations, v)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return variations, nil
}

// Decrement removes quantity from a variation's stock. The conditional update
// never lets stock_quantity drop below zero; a refused decrement returns
// domain.ErrInsufficientStock.
func (r *VariationRepository) Decrement(ctx context.Context, tx database.Querier, id string, quantity int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE product_variations
		SET stock_quantity = stock_quantity - $2, updated_at = NOW()
		WHERE id = $1 AND stock_quantity >= $2
	`, id, quantity)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: cannot remove %d units from variation %s", domain.ErrInsufficientStock, quantity, id)
	}

	return nil
}
