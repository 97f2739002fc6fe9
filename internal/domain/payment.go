package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// Transaction is the payment record for one gateway transaction id.
type Transaction struct {
	ID                   string            `json:"_id"`
	OrderID              string            `json:"order_id"`
	PaymentMethod        string            `json:"payment_method"`
	Amount               decimal.Decimal   `json:"amount"`
	GatewayTransactionID string            `json:"transaction_id"`
	Status               TransactionStatus `json:"status"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}
