package store

import (
	"errors"
	"fmt"

	"riskengine/internal/models"
)

var (
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")
	ErrAnomalousPosition      = errors.New("anomalous position")
)

// ReconciliationMismatch - локальное состояние разошлось со снимком биржи
// и исправлено по снимку
type ReconciliationMismatch struct {
	Kind          string // order_quantity, order_filled, position_quantity, lost_order, ...
	Symbol        string
	ClientOrderID string
	Local         float64
	Remote        float64
}

func (e *ReconciliationMismatch) Error() string {
	if e.ClientOrderID != "" {
		return fmt.Sprintf("reconcile %s %s order %s: local %v, exchange %v",
			e.Kind, e.Symbol, e.ClientOrderID, e.Local, e.Remote)
	}
	return fmt.Sprintf("reconcile %s %s: local %v, exchange %v", e.Kind, e.Symbol, e.Local, e.Remote)
}

func (e *ReconciliationMismatch) Is(target error) bool { return target == ErrReconciliationMismatch }

// AnomalousPosition - открытая позиция без активного стопа вне окна attach
type AnomalousPosition struct {
	Key    models.PositionKey
	Reason string
}

func (e *AnomalousPosition) Error() string {
	return fmt.Sprintf("position %s without stop: %s", e.Key, e.Reason)
}

func (e *AnomalousPosition) Is(target error) bool { return target == ErrAnomalousPosition }
