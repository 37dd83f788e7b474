package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("not found")

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*OrderEntity, error) {
	query := `SELECT id, site_id, user_email, description, status, created_at, updated_at
	          FROM orders WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)

	var entity OrderEntity
	err := row.Scan(&entity.ID, &entity.SiteID, &entity.UserEmail, &entity.Description,
		&entity.Status, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &entity, nil
}

func (r *OrderRepository) GetItems(ctx context.Context, orderID int64) ([]OrderItemEntity, error) {
	query := `SELECT id, order_id, sku, title, original_price, discount_amount, tax_amount, final_price, currency
	          FROM order_item WHERE order_id = $1`
	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []OrderItemEntity
	for rows.Next() {
		var item OrderItemEntity
		err := rows.Scan(&item.ID, &item.OrderID, &item.SKU, &item.Title,
			&item.OriginalPrice, &item.DiscountAmount, &item.TaxAmount, &item.FinalPrice, &item.Currency)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *OrderRepository) Create(ctx context.Context, entity *OrderEntity) (*OrderEntity, error) {
	query := `INSERT INTO orders (site_id, user_email, description, status)
	          VALUES ($1, $2, $3, $4) RETURNING id, created_at, updated_at`
	err := r.pool.QueryRow(ctx, query, entity.SiteID, entity.UserEmail, entity.Description, entity.Status).
		Scan(&entity.ID, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return entity, nil
}

func (r *OrderRepository) CreateItem(ctx context.Context, item *OrderItemEntity) (*OrderItemEntity, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	query := `INSERT INTO order_item (id, order_id, sku, title, original_price, discount_amount, tax_amount, final_price, currency)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query, item.ID, item.OrderID, item.SKU, item.Title,
		item.OriginalPrice, item.DiscountAmount, item.TaxAmount, item.FinalPrice, item.Currency)
	if err != nil {
		return nil, err
	}
	return item, nil
}

type SiteRepository struct {
	pool *pgxpool.Pool
}

func NewSiteRepository(pool *pgxpool.Pool) *SiteRepository {
	return &SiteRepository{pool: pool}
}

func (r *SiteRepository) GetByID(ctx context.Context, id int64) (*SiteEntity, error) {
	query := `SELECT id, name, domain FROM site WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)

	var entity SiteEntity
	err := row.Scan(&entity.ID, &entity.Name, &entity.Domain)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &entity, nil
}

func (r *SiteRepository) Create(ctx context.Context, entity *SiteEntity) (*SiteEntity, error) {
	query := `INSERT INTO site (name, domain) VALUES ($1, $2) RETURNING id`
	err := r.pool.QueryRow(ctx, query, entity.Name, entity.Domain).Scan(&entity.ID)
	if err != nil {
		return nil, err
	}
	return entity, nil
}
