package models

import "time"

// Notification - уведомление для внешнего канала доставки
type Notification struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`     // HALT, RESUME, ANOMALY, FORCED_CLOSE, STREAM_FAILED, AMBIGUOUS
	Severity  string                 `json:"severity"` // info, warn, error
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Типы уведомлений
const (
	NotificationTypeHalt         = "HALT"          // символ остановлен для новых ордеров
	NotificationTypeResume       = "RESUME"        // символ возобновлён
	NotificationTypeAnomaly      = "ANOMALY"       // позиция без стопа
	NotificationTypeForcedClose  = "FORCED_CLOSE"  // принудительное закрытие
	NotificationTypeStreamFailed = "STREAM_FAILED" // исчерпаны попытки переподключения
	NotificationTypeAmbiguous    = "AMBIGUOUS"     // неопределённый статус ордера
	NotificationTypeMismatch     = "MISMATCH"      // расхождение при сверке
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)
