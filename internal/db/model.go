package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusPaid       OrderStatus = "paid"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft InvoiceStatus = "draft"
	InvoiceStatusPaid  InvoiceStatus = "paid"
)

type SiteEntity struct {
	ID     int64
	Name   string
	Domain string
}

type OrderEntity struct {
	ID          int64
	SiteID      int64
	UserEmail   string
	Description string
	Status      OrderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type OrderItemEntity struct {
	ID             uuid.UUID
	OrderID        int64
	SKU            string
	Title          string
	OriginalPrice  decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	FinalPrice     decimal.Decimal
	Currency       string
}

// Total is the amount actually charged: the sum of final item prices.
func (o *OrderEntity) Total(items []OrderItemEntity) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.FinalPrice)
	}
	return total
}

type TransactionEntity struct {
	ID                   uuid.UUID
	OrderID              int64
	Gateway              string
	GatewayTransactionID string
	Status               string
	Method               string
	Amount               decimal.Decimal
	Currency             string
	Reason               string
	Response             []byte
	CreatedAt            time.Time
}

type InvoiceEntity struct {
	ID            uuid.UUID
	InvoiceNumber string
	OrderID       int64
	TransactionID uuid.UUID
	Status        InvoiceStatus
	GrossTotal    decimal.Decimal
	DiscountTotal decimal.Decimal
	TaxTotal      decimal.Decimal
	Total         decimal.Decimal
	Currency      string
	CreatedAt     time.Time
}

type AuditEventEntity struct {
	ID        uuid.UUID
	Action    string
	OrderID   *int64
	Gateway   string
	Context   []byte
	CreatedAt time.Time
}
