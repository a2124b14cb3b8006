// Package domain contains the warehouse dimension and fact models. Natural
// keys are the primary keys so loads are idempotent upserts, never appends.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Customer is the customers_dim row. LifetimeValueCents is recomputed from
// order history on every load so replays converge instead of double counting.
type Customer struct {
	CustomerID         string            `gorm:"column:customer_id;primaryKey" json:"customer_id"`
	Email              string            `gorm:"index" json:"email,omitempty"`
	Name               string            `json:"name,omitempty"`
	FirstSeenAt        *time.Time        `json:"first_seen_at,omitempty"`
	LastOrderID        string            `json:"last_order_id,omitempty"`
	LifetimeValueCents int64             `gorm:"not null;default:0" json:"lifetime_value_cents"`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	// ObservedAt orders duplicates within a batch; it never persists.
	ObservedAt time.Time `gorm:"-" json:"-"`
}

func (Customer) TableName() string { return "customers_dim" }

func (c *Customer) NaturalKey() string        { return c.CustomerID }
func (c *Customer) ObservedAtTime() time.Time { return c.ObservedAt }

// Product is the products_dim row. Products are never deleted, only
// deactivated.
type Product struct {
	ProductID      string            `gorm:"column:product_id;primaryKey" json:"product_id"`
	SKU            string            `gorm:"column:sku;index" json:"sku,omitempty"`
	Name           string            `json:"name,omitempty"`
	Category       string            `json:"category,omitempty"`
	ListPriceCents int64             `gorm:"not null;default:0" json:"list_price_cents"`
	Active         bool              `gorm:"not null;default:true" json:"active"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	ObservedAt time.Time `gorm:"-" json:"-"`
}

func (Product) TableName() string { return "products_dim" }

func (p *Product) NaturalKey() string        { return p.ProductID }
func (p *Product) ObservedAtTime() time.Time { return p.ObservedAt }

// OrderFact is the orders_fact row, time-indexed by order date. Monetary
// fields are minor units of the canonical currency.
type OrderFact struct {
	OrderID         string            `gorm:"column:order_id;primaryKey" json:"order_id"`
	OrderDate       time.Time         `gorm:"index" json:"order_date"`
	CustomerID      string            `gorm:"index" json:"customer_id,omitempty"`
	Currency        string            `gorm:"not null" json:"currency"`
	TotalCents      int64             `gorm:"not null;default:0" json:"total_cents"`
	SubtotalCents   int64             `gorm:"not null;default:0" json:"subtotal_cents"`
	TaxCents        int64             `gorm:"not null;default:0" json:"tax_cents"`
	ShippingCents   int64             `gorm:"not null;default:0" json:"shipping_cents"`
	ItemCount       int               `gorm:"not null;default:0" json:"item_count"`
	ShippingAddress datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"shipping_address,omitempty"`
	BillingAddress  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"billing_address,omitempty"`
	LineItems       datatypes.JSON    `gorm:"type:jsonb;not null;default:'[]'" json:"line_items,omitempty"`
	RawPayload      datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"raw_payload,omitempty"`
	FraudScore      float64           `gorm:"not null;default:0" json:"fraud_score"`
	FraudFlagged    bool              `gorm:"not null;default:false" json:"fraud_flagged"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	ObservedAt time.Time `gorm:"-" json:"-"`
}

func (OrderFact) TableName() string { return "orders_fact" }

func (o *OrderFact) NaturalKey() string        { return o.OrderID }
func (o *OrderFact) ObservedAtTime() time.Time { return o.ObservedAt }

// TransactionFact is the transactions_fact row. OrderID has no storage-level
// constraint because payment-first sources deliver the charge before the
// order; the gap is surfaced as a validation warning instead.
type TransactionFact struct {
	TransactionID   string            `gorm:"column:transaction_id;primaryKey" json:"transaction_id"`
	TransactionDate time.Time         `gorm:"index" json:"transaction_date"`
	OrderID         string            `gorm:"index" json:"order_id,omitempty"`
	CustomerID      string            `json:"customer_id,omitempty"`
	PaymentProvider string            `json:"payment_provider,omitempty"`
	AmountCents     int64             `gorm:"not null;default:0" json:"amount_cents"`
	Currency        string            `gorm:"not null" json:"currency"`
	Status          string            `json:"status,omitempty"`
	RawPayload      datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"raw_payload,omitempty"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	ObservedAt time.Time `gorm:"-" json:"-"`
}

func (TransactionFact) TableName() string { return "transactions_fact" }

func (t *TransactionFact) NaturalKey() string        { return t.TransactionID }
func (t *TransactionFact) ObservedAtTime() time.Time { return t.ObservedAt }

// CustomerOrderTotal is the per-order slice of history the CLV recompute
// consumes.
type CustomerOrderTotal struct {
	CustomerID string
	OrderID    string
	TotalCents int64
}
