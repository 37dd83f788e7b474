package fulfillment

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"payfort-service/internal/db"
)

// Issuer snapshots a settled order into a paid invoice. The snapshot owns its
// own totals because the order can keep mutating after invoicing.
type Issuer struct {
	repo *db.InvoiceRepository
	node *snowflake.Node
}

func NewIssuer(repo *db.InvoiceRepository, nodeID int64) (*Issuer, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, errors.Wrap(err, "creating snowflake node")
	}
	return &Issuer{repo: repo, node: node}, nil
}

func (i *Issuer) CreateInvoice(ctx context.Context, order *db.OrderEntity, items []db.OrderItemEntity, txn *db.TransactionEntity) (*db.InvoiceEntity, error) {
	if len(items) == 0 {
		return nil, errors.Errorf("order %d has no items to invoice", order.ID)
	}

	gross, discount, tax, total := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	for _, item := range items {
		gross = gross.Add(item.OriginalPrice)
		discount = discount.Add(item.DiscountAmount)
		tax = tax.Add(item.TaxAmount)
		total = total.Add(item.FinalPrice)
	}

	entity := &db.InvoiceEntity{
		InvoiceNumber: "INV-" + i.node.Generate().String(),
		OrderID:       order.ID,
		TransactionID: txn.ID,
		Status:        db.InvoiceStatusPaid,
		GrossTotal:    gross,
		DiscountTotal: discount,
		TaxTotal:      tax,
		Total:         total,
		Currency:      txn.Currency,
	}

	created, err := i.repo.Create(ctx, entity)
	if err != nil {
		return nil, errors.Wrapf(err, "creating invoice for order %d", order.ID)
	}
	return created, nil
}
