package domain

import "github.com/shopspring/decimal"

type Variation struct {
	ID            string          `json:"variation_id"`
	ProductID     string          `json:"product_id"`
	Size          string          `json:"size"`
	Color         string          `json:"color"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
}

type CartItem struct {
	ID          string `json:"_id"`
	UserID      string `json:"user_id"`
	ProductID   string `json:"product_id"`
	VariationID string `json:"variation_id"`
	Quantity    int    `json:"quantity"`
}

type Address struct {
	ID        string `json:"_id"`
	UserID    string `json:"-"`
	Street    string `json:"street"`
	City      string `json:"city"`
	State     string `json:"state"`
	ZipCode   string `json:"zipCode"`
	Phone     string `json:"phone"`
	IsDefault bool   `json:"-"`
}

type User struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}
