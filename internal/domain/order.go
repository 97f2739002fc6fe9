package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementStatus is the coarse flag that gates payment settlement.
// It moves from pending to completed at most once.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementCompleted SettlementStatus = "completed"
)

// OrderStatus tracks fulfillment. It is display/workflow state only.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

var fulfillmentStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusRefunded,
}

func (s OrderStatus) Valid() bool {
	for _, st := range fulfillmentStatuses {
		if s == st {
			return true
		}
	}
	return false
}

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// OrderDetail is one purchased variation. PriceAtPurchase is a snapshot and
// does not follow later catalog price changes.
type OrderDetail struct {
	ID              string          `json:"_id"`
	OrderID         string          `json:"order_id"`
	ProductID       string          `json:"product_id"`
	VariationID     string          `json:"variation_id"`
	Quantity        int             `json:"quantity"`
	PriceAtPurchase decimal.Decimal `json:"price_at_purchase"`

	// Catalog fields, filled when details are read back for history.
	ProductName    string           `json:"product_name,omitempty"`
	Size           string           `json:"size,omitempty"`
	Color          string           `json:"color,omitempty"`
	VariationPrice *decimal.Decimal `json:"variation_price,omitempty"`
}

func (d OrderDetail) Subtotal() decimal.Decimal {
	return d.PriceAtPurchase.Mul(decimal.NewFromInt(int64(d.Quantity)))
}

type Order struct {
	ID            string           `json:"_id"`
	UserID        string           `json:"user_id"`
	AddressID     string           `json:"address_id"`
	OrderStatus   SettlementStatus `json:"order_status"`
	Status        OrderStatus      `json:"status"`
	PaymentStatus PaymentStatus    `json:"payment_status"`
	TotalAmount   decimal.Decimal  `json:"total_amount"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	Details       []OrderDetail    `json:"details,omitempty"`

	// Populated by lookups that join the owning user; not a column.
	UserEmail string `json:"-"`
}

func (o *Order) Completed() bool {
	return o.OrderStatus == SettlementCompleted
}

// Total sums quantity * price_at_purchase over the given details.
func Total(details []OrderDetail) decimal.Decimal {
	total := decimal.Zero
	for _, d := range details {
		total = total.Add(d.Subtotal())
	}
	return total
}
