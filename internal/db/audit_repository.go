package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

func (r *AuditRepository) Create(ctx context.Context, entity *AuditEventEntity) (*AuditEventEntity, error) {
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	query := `INSERT INTO audit_event (id, action, order_id, gateway, context)
	          VALUES ($1, $2, $3, $4, $5) RETURNING created_at`
	err := r.pool.QueryRow(ctx, query, entity.ID, entity.Action, entity.OrderID, entity.Gateway, entity.Context).
		Scan(&entity.CreatedAt)
	if err != nil {
		return nil, err
	}
	return entity, nil
}

func (r *AuditRepository) CountByAction(ctx context.Context, action string, orderID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM audit_event WHERE action = $1 AND order_id = $2`, action, orderID).Scan(&count)
	return count, err
}
