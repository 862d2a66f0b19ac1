package repository

import (
	"database/sql"
	"time"

	"riskengine/internal/models"
)

// NotificationRecord - строка notifications
type NotificationRecord struct {
	ID int64 `json:"id"`
	models.Notification
}

// NotificationRepository - журнал операционных уведомлений
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create сохраняет уведомление
func (r *NotificationRepository) Create(n models.Notification) (int64, error) {
	query := `
		INSERT INTO notifications (timestamp, type, severity, symbol, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var meta []byte
	if len(n.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(n.Meta); err != nil {
			return 0, err
		}
	}

	var id int64
	err := r.db.QueryRow(query, n.Timestamp, n.Type, n.Severity, n.Symbol, n.Message, meta).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetRecent возвращает последние N уведомлений
func (r *NotificationRepository) GetRecent(limit int) ([]*NotificationRecord, error) {
	query := `
		SELECT id, timestamp, type, severity, symbol, message, meta
		FROM notifications
		ORDER BY timestamp DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NotificationRecord
	for rows.Next() {
		rec := &NotificationRecord{}
		var meta []byte
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Type, &rec.Severity, &rec.Symbol, &rec.Message, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Meta); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteOlderThan удаляет уведомления старше указанного времени
func (r *NotificationRepository) DeleteOlderThan(before time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM notifications WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
