package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrDuplicateTransaction = errors.New("duplicate gateway transaction")
	ErrStaleOrder           = errors.New("order is not in processing status")
)

const uniqueViolationCode = "23505"

type SettleParams struct {
	OrderID              int64
	Gateway              string
	GatewayTransactionID string
	Status               string
	Method               string
	Amount               decimal.Decimal
	Currency             string
	Reason               string
	Response             []byte
}

type SettlementRepository struct {
	pool *pgxpool.Pool
}

func NewSettlementRepository(pool *pgxpool.Pool) *SettlementRepository {
	return &SettlementRepository{pool: pool}
}

// Settle records the gateway transaction and flips the order to paid in one
// database transaction. Exactly one concurrent caller can win: the losers hit
// either the (gateway, gateway_transaction_id) unique index or the guarded
// status update and get ErrDuplicateTransaction / ErrStaleOrder back with no
// partial writes.
func (r *SettlementRepository) Settle(ctx context.Context, params SettleParams) (*TransactionEntity, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "starting settlement transaction")
	}
	defer tx.Rollback(ctx)

	entity := &TransactionEntity{
		ID:                   uuid.New(),
		OrderID:              params.OrderID,
		Gateway:              params.Gateway,
		GatewayTransactionID: params.GatewayTransactionID,
		Status:               params.Status,
		Method:               params.Method,
		Amount:               params.Amount,
		Currency:             params.Currency,
		Reason:               params.Reason,
		Response:             params.Response,
	}

	insert := `INSERT INTO payment_transaction
	           (id, order_id, gateway, gateway_transaction_id, status, method, amount, currency, reason, response)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	           RETURNING created_at`
	err = tx.QueryRow(ctx, insert,
		entity.ID, entity.OrderID, entity.Gateway, entity.GatewayTransactionID,
		entity.Status, entity.Method, entity.Amount, entity.Currency, entity.Reason, entity.Response,
	).Scan(&entity.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return nil, ErrDuplicateTransaction
		}
		return nil, errors.Wrap(err, "inserting payment transaction")
	}

	update := `UPDATE orders SET status = $1, updated_at = now()
	           WHERE id = $2 AND status = $3`
	tag, err := tx.Exec(ctx, update, OrderStatusPaid, params.OrderID, OrderStatusProcessing)
	if err != nil {
		return nil, errors.Wrap(err, "updating order status")
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrStaleOrder
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "committing settlement")
	}
	return entity, nil
}

func (r *SettlementRepository) GetByGatewayTransactionID(ctx context.Context, gateway, gatewayTransactionID string) (*TransactionEntity, error) {
	query := `SELECT id, order_id, gateway, gateway_transaction_id, status, method, amount, currency, reason, response, created_at
	          FROM payment_transaction WHERE gateway = $1 AND gateway_transaction_id = $2`
	row := r.pool.QueryRow(ctx, query, gateway, gatewayTransactionID)

	var entity TransactionEntity
	err := row.Scan(&entity.ID, &entity.OrderID, &entity.Gateway, &entity.GatewayTransactionID,
		&entity.Status, &entity.Method, &entity.Amount, &entity.Currency, &entity.Reason,
		&entity.Response, &entity.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (r *SettlementRepository) CountByOrder(ctx context.Context, orderID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM payment_transaction WHERE order_id = $1`, orderID).Scan(&count)
	return count, err
}
