package repository

import (
	"database/sql"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"riskengine/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TradeRecord - строка trade_events
type TradeRecord struct {
	ID         int64                 `json:"id"`
	Kind       models.TradeEventKind `json:"kind"`
	Symbol     string                `json:"symbol"`
	Side       models.Side           `json:"side"`
	Strategy   models.Strategy       `json:"strategy"`
	Reason     string                `json:"reason,omitempty"`
	PnL        float64               `json:"pnl"`
	PnLUnknown bool                  `json:"pnl_unknown,omitempty"`
	Position   models.Position       `json:"position"`
	OccurredAt time.Time             `json:"occurred_at"`
}

// TradeRepository - работа с таблицей trade_events
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Create сохраняет торговое событие со снимком позиции
func (r *TradeRepository) Create(ev models.TradeEvent) (int64, error) {
	query := `
		INSERT INTO trade_events (kind, symbol, side, strategy, reason, pnl, pnl_unknown, position, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	position, err := json.Marshal(ev.Position)
	if err != nil {
		return 0, err
	}

	var id int64
	err = r.db.QueryRow(
		query,
		ev.Kind,
		ev.Position.Symbol,
		ev.Position.Side,
		ev.Position.Strategy,
		ev.Reason,
		ev.PnL,
		ev.PnLUnknown,
		position,
		ev.Time,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetRecent возвращает последние N событий
func (r *TradeRepository) GetRecent(limit int) ([]*TradeRecord, error) {
	query := `
		SELECT id, kind, symbol, side, strategy, reason, pnl, pnl_unknown, position, occurred_at
		FROM trade_events
		ORDER BY occurred_at DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// GetBySymbols возвращает последние события по набору символов
func (r *TradeRepository) GetBySymbols(symbols []string, limit int) ([]*TradeRecord, error) {
	query := `
		SELECT id, kind, symbol, side, strategy, reason, pnl, pnl_unknown, position, occurred_at
		FROM trade_events
		WHERE symbol = ANY($1)
		ORDER BY occurred_at DESC
		LIMIT $2`

	rows, err := r.db.Query(query, pq.Array(symbols), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// RealizedPnL - сумма PnL закрытий начиная с since
func (r *TradeRepository) RealizedPnL(since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(pnl), 0)
		FROM trade_events
		WHERE kind IN ('close', 'forced_close') AND NOT pnl_unknown AND occurred_at >= $1`

	var total float64
	if err := r.db.QueryRow(query, since).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func scanTrades(rows *sql.Rows) ([]*TradeRecord, error) {
	var out []*TradeRecord
	for rows.Next() {
		rec := &TradeRecord{}
		var position []byte
		err := rows.Scan(
			&rec.ID,
			&rec.Kind,
			&rec.Symbol,
			&rec.Side,
			&rec.Strategy,
			&rec.Reason,
			&rec.PnL,
			&rec.PnLUnknown,
			&position,
			&rec.OccurredAt,
		)
		if err != nil {
			return nil, err
		}
		if len(position) > 0 {
			if err := json.Unmarshal(position, &rec.Position); err != nil {
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
