package repository

import (
	"database/sql"
	"time"

	"riskengine/internal/models"
)

// RejectionRepository - отказы риск-контроля
type RejectionRepository struct {
	db *sql.DB
}

// NewRejectionRepository создает новый экземпляр репозитория
func NewRejectionRepository(db *sql.DB) *RejectionRepository {
	return &RejectionRepository{db: db}
}

// Create сохраняет отказ вместе с намерением
func (r *RejectionRepository) Create(ev models.RejectionEvent) (int64, error) {
	query := `
		INSERT INTO risk_rejections (reason, detail, symbol, strategy, intent, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	intent, err := json.Marshal(ev.Intent)
	if err != nil {
		return 0, err
	}

	var id int64
	err = r.db.QueryRow(query, ev.Reason, ev.Detail, ev.Intent.Symbol, ev.Intent.Strategy, intent, ev.Time).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// CountByReason - число отказов по причинам начиная с since
func (r *RejectionRepository) CountByReason(since time.Time) (map[models.RejectReason]int, error) {
	query := `
		SELECT reason, COUNT(*)
		FROM risk_rejections
		WHERE occurred_at >= $1
		GROUP BY reason`

	rows, err := r.db.Query(query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[models.RejectReason]int)
	for rows.Next() {
		var reason models.RejectReason
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		out[reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
