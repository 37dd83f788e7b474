package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type InvoiceRepository struct {
	pool *pgxpool.Pool
}

func NewInvoiceRepository(pool *pgxpool.Pool) *InvoiceRepository {
	return &InvoiceRepository{pool: pool}
}

func (r *InvoiceRepository) Create(ctx context.Context, entity *InvoiceEntity) (*InvoiceEntity, error) {
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	query := `INSERT INTO invoice
	          (id, invoice_number, order_id, transaction_id, status, gross_total, discount_total, tax_total, total, currency)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	          RETURNING created_at`
	err := r.pool.QueryRow(ctx, query,
		entity.ID, entity.InvoiceNumber, entity.OrderID, entity.TransactionID, entity.Status,
		entity.GrossTotal, entity.DiscountTotal, entity.TaxTotal, entity.Total, entity.Currency,
	).Scan(&entity.CreatedAt)
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// GetPaidByTransaction resolves the paid invoice issued for a given gateway
// transaction, the lookup the status poll endpoint runs.
func (r *InvoiceRepository) GetPaidByTransaction(ctx context.Context, orderID int64, gateway, gatewayTransactionID string) (*InvoiceEntity, error) {
	query := `SELECT i.id, i.invoice_number, i.order_id, i.transaction_id, i.status,
	                 i.gross_total, i.discount_total, i.tax_total, i.total, i.currency, i.created_at
	          FROM invoice i
	          JOIN payment_transaction t ON t.id = i.transaction_id
	          WHERE i.order_id = $1 AND i.status = $2 AND t.gateway = $3 AND t.gateway_transaction_id = $4
	          LIMIT 1`
	row := r.pool.QueryRow(ctx, query, orderID, InvoiceStatusPaid, gateway, gatewayTransactionID)

	var entity InvoiceEntity
	err := row.Scan(&entity.ID, &entity.InvoiceNumber, &entity.OrderID, &entity.TransactionID, &entity.Status,
		&entity.GrossTotal, &entity.DiscountTotal, &entity.TaxTotal, &entity.Total, &entity.Currency, &entity.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &entity, nil
}
