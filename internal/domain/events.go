package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderCreatedEvent struct {
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	Email       string          `json:"email"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []OrderDetail   `json:"items"`
	Timestamp   time.Time       `json:"timestamp"`
}

type PaymentSettledEvent struct {
	OrderID       string            `json:"order_id"`
	UserID        string            `json:"user_id"`
	Email         string            `json:"email"`
	Status        TransactionStatus `json:"status"`
	Amount        decimal.Decimal   `json:"amount"`
	TransactionID string            `json:"transaction_id"`
	Timestamp     time.Time         `json:"timestamp"`
}
