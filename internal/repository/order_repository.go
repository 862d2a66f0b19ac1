package repository

import (
	"database/sql"
	"errors"

	"riskengine/internal/models"
)

// Ошибки репозитория ордеров
var (
	ErrOrderNotFound = errors.New("order not found")
)

// OrderRepository - работа с таблицей orders
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Upsert сохраняет последнее известное состояние ордера
func (r *OrderRepository) Upsert(o *models.Order) error {
	query := `
		INSERT INTO orders (client_order_id, exchange_order_id, symbol, side, position_side, type, role, strategy,
			status, quantity, filled_qty, avg_price, stop_price, reduce_only, close_position, reject_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (client_order_id) DO UPDATE SET
			exchange_order_id = EXCLUDED.exchange_order_id,
			status = EXCLUDED.status,
			quantity = EXCLUDED.quantity,
			filled_qty = EXCLUDED.filled_qty,
			avg_price = EXCLUDED.avg_price,
			reject_reason = EXCLUDED.reject_reason,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Exec(
		query,
		o.ClientOrderID,
		o.ExchangeOrderID,
		o.Symbol,
		o.Side,
		o.PositionSide,
		o.Type,
		o.Role,
		o.Strategy,
		o.Status,
		o.Quantity,
		o.FilledQty,
		o.AvgPrice,
		o.StopPrice,
		o.ReduceOnly,
		o.ClosePosition,
		o.RejectReason,
		o.CreatedAt,
		o.UpdatedAt,
	)
	return err
}

const orderColumns = `client_order_id, exchange_order_id, symbol, side, position_side, type, role, strategy,
	status, quantity, filled_qty, avg_price, stop_price, reduce_only, close_position, reject_reason, created_at, updated_at`

// GetByClientID возвращает ордер по client order id
func (r *OrderRepository) GetByClientID(clientOrderID string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE client_order_id = $1`

	o, err := scanOrder(r.db.QueryRow(query, clientOrderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return o, nil
}

// GetRecent возвращает последние N ордеров символа; пустой symbol - все
func (r *OrderRepository) GetRecent(symbol string, limit int) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE ($1::text = '' OR symbol = $1::text)
		ORDER BY updated_at DESC
		LIMIT $2`

	rows, err := r.db.Query(query, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*models.Order, error) {
	o := &models.Order{}
	err := s.Scan(
		&o.ClientOrderID,
		&o.ExchangeOrderID,
		&o.Symbol,
		&o.Side,
		&o.PositionSide,
		&o.Type,
		&o.Role,
		&o.Strategy,
		&o.Status,
		&o.Quantity,
		&o.FilledQty,
		&o.AvgPrice,
		&o.StopPrice,
		&o.ReduceOnly,
		&o.ClosePosition,
		&o.RejectReason,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}
